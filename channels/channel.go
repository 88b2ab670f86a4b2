// Package channels implements the node's Lightning-style payment channel
// state machine: funding, commitment transactions, the HTLC lifecycle,
// and cooperative/force close.
package channels

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ironveil/node/primitives"
)

// ChannelID uniquely identifies a channel, derived from both participants'
// public keys and its funding outpoint (see GenerateChannelID).
type ChannelID [32]byte

func (c ChannelID) String() string {
	return chainhash.Hash(c).String()
}

// State is a phase in the channel's lifecycle.
type State uint8

const (
	Initializing State = iota
	FundingCreated
	FundingSigned
	Active
	ClosingNegotiation
	Closed
	ForceClosed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case FundingCreated:
		return "funding_created"
	case FundingSigned:
		return "funding_signed"
	case Active:
		return "active"
	case ClosingNegotiation:
		return "closing_negotiation"
	case Closed:
		return "closed"
	case ForceClosed:
		return "force_closed"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidState        = errors.New("channels: invalid state for operation")
	ErrInsufficientFunds   = errors.New("channels: insufficient balance")
	ErrHTLCNotFound        = errors.New("channels: htlc not found")
	ErrHTLCLimitReached    = errors.New("channels: maximum pending htlcs reached")
	ErrHTLCBelowMinimum    = errors.New("channels: htlc amount below minimum")
	ErrInvalidPreimage     = errors.New("channels: preimage does not match payment hash")
	ErrPendingHTLCs        = errors.New("channels: cannot close channel with pending htlcs")
	ErrChannelExists       = errors.New("channels: channel already exists")
	ErrChannelNotFound     = errors.New("channels: channel not found")
)

// HTLCDirection follows lnd's htlcswitch vocabulary: an HTLC is Outgoing
// from the perspective of whichever party offered it.
type HTLCDirection uint8

const (
	Outgoing HTLCDirection = iota
	Incoming
)

// HTLC is a hash-time-locked contract pending on a channel's commitment.
type HTLC struct {
	ID          uint64
	PaymentHash [32]byte
	Amount      uint64
	ExpiryHeight uint32
	Direction   HTLCDirection
}

// Config bounds a channel's operating parameters, mirroring the Lightning
// BOLT defaults this domain was ported from. Struct tags follow the
// go-flags idiom so an out-of-scope CLI/config loader can populate these
// directly.
type Config struct {
	MaxHTLCValueInFlight uint64        `long:"maxhtlcvalueinflight" description:"Maximum total value of pending HTLCs"`
	MinHTLCValue         uint64        `long:"minhtlcvalue" description:"Minimum value accepted for a single HTLC"`
	MaxAcceptedHTLCs     uint16        `long:"maxacceptedhtlcs" description:"Maximum number of pending HTLCs"`
	CLTVExpiryDelta      uint16        `long:"cltvexpirydelta" description:"Minimum CLTV delta required for a forwarded HTLC"`
	ChannelReserve       uint64        `long:"channelreserve" description:"Balance each side must keep unencumbered"`
	DustLimit            uint64        `long:"dustlimit" description:"Outputs below this value are not included in commitments"`
	ToSelfDelay          uint16        `long:"toselfdelay" description:"CSV delay on a party's own commitment output"`
	ForceCloseTimeout    time.Duration `long:"forceclosetimeout" description:"Grace period before a stalled channel is force-closed"`
}

// DefaultConfig mirrors the values the teacher's funding negotiation and
// the Lightning-core reference both default to.
func DefaultConfig() Config {
	return Config{
		MaxHTLCValueInFlight: 100_000_000,
		MinHTLCValue:         1_000,
		MaxAcceptedHTLCs:     30,
		CLTVExpiryDelta:      40,
		ChannelReserve:       10_000,
		DustLimit:            546,
		ToSelfDelay:          144,
		ForceCloseTimeout:    24 * time.Hour,
	}
}

// Channel is a two-party payment channel funded by a single on-chain
// outpoint.
type Channel struct {
	ID     ChannelID
	State  State
	Config Config

	FundingOutpoint primitives.OutPoint
	Capacity        uint64

	LocalNodeID  *btcec.PublicKey
	RemoteNodeID *btcec.PublicKey
	IsInitiator  bool

	LocalBalance  uint64
	RemoteBalance uint64

	CommitmentNumber uint64
	PendingHTLCs     []HTLC
	nextHTLCID       uint64

	LastUpdate time.Time
}

// GenerateChannelID derives a channel's identity from its participants'
// public keys and its funding outpoint, the same commitment the teacher's
// settlement layer used.
func GenerateChannelID(local, remote *btcec.PublicKey, funding primitives.OutPoint) ChannelID {
	data := make([]byte, 0, 33+33+32+4)
	data = append(data, local.SerializeCompressed()...)
	data = append(data, remote.SerializeCompressed()...)
	data = append(data, funding.Hash[:]...)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], funding.Index)
	data = append(data, idx[:]...)
	return ChannelID(sha256.Sum256(data))
}

// Open creates a new channel funded by fundingOutpoint, with the full
// capacity initially assigned to whichever side is the initiator.
func Open(local, remote *btcec.PublicKey, capacity uint64, funding primitives.OutPoint, isInitiator bool, cfg Config) (*Channel, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("channels: capacity must be positive")
	}
	ch := &Channel{
		ID:              GenerateChannelID(local, remote, funding),
		State:           Initializing,
		Config:          cfg,
		FundingOutpoint: funding,
		Capacity:        capacity,
		LocalNodeID:     local,
		RemoteNodeID:    remote,
		IsInitiator:     isInitiator,
		LastUpdate:      time.Now(),
	}
	if isInitiator {
		ch.LocalBalance = capacity
	} else {
		ch.RemoteBalance = capacity
	}
	ch.State = FundingCreated
	return ch, nil
}

// MarkFundingConfirmed transitions a channel whose funding transaction has
// reached the confirmation depth the two parties negotiated.
func (c *Channel) MarkFundingConfirmed() error {
	if c.State != FundingCreated && c.State != FundingSigned {
		return fmt.Errorf("%w: cannot confirm funding from %s", ErrInvalidState, c.State)
	}
	c.State = Active
	c.LastUpdate = time.Now()
	log.Infof("Channel %v: funding confirmed, now active", c.ID)
	return nil
}

// AddHTLC offers a new HTLC in the given direction, debiting the paying
// side's balance immediately (the balance is returned if the HTLC later
// fails).
func (c *Channel) AddHTLC(paymentHash [32]byte, amount uint64, expiryHeight uint32, direction HTLCDirection) (uint64, error) {
	if c.State != Active {
		return 0, fmt.Errorf("%w: channel must be active to add an htlc", ErrInvalidState)
	}
	if len(c.PendingHTLCs) >= int(c.Config.MaxAcceptedHTLCs) {
		return 0, ErrHTLCLimitReached
	}
	if amount < c.Config.MinHTLCValue {
		return 0, fmt.Errorf("%w: %d < %d", ErrHTLCBelowMinimum, amount, c.Config.MinHTLCValue)
	}

	if direction == Outgoing {
		if c.LocalBalance < amount {
			return 0, fmt.Errorf("%w: local balance %d < %d", ErrInsufficientFunds, c.LocalBalance, amount)
		}
		c.LocalBalance -= amount
	} else {
		if c.RemoteBalance < amount {
			return 0, fmt.Errorf("%w: remote balance %d < %d", ErrInsufficientFunds, c.RemoteBalance, amount)
		}
		c.RemoteBalance -= amount
	}

	id := c.nextHTLCID
	c.nextHTLCID++
	c.PendingHTLCs = append(c.PendingHTLCs, HTLC{
		ID:           id,
		PaymentHash:  paymentHash,
		Amount:       amount,
		ExpiryHeight: expiryHeight,
		Direction:    direction,
	})
	c.CommitmentNumber++
	c.LastUpdate = time.Now()
	return id, nil
}

func (c *Channel) findHTLC(id uint64) int {
	for i, h := range c.PendingHTLCs {
		if h.ID == id {
			return i
		}
	}
	return -1
}

// SettleHTLC resolves a pending HTLC given its preimage, crediting the
// receiving side.
func (c *Channel) SettleHTLC(id uint64, preimage [32]byte) error {
	idx := c.findHTLC(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrHTLCNotFound, id)
	}
	htlc := c.PendingHTLCs[idx]
	if sha256.Sum256(preimage[:]) != htlc.PaymentHash {
		return ErrInvalidPreimage
	}

	if htlc.Direction == Outgoing {
		c.RemoteBalance += htlc.Amount
	} else {
		c.LocalBalance += htlc.Amount
	}

	c.PendingHTLCs = append(c.PendingHTLCs[:idx], c.PendingHTLCs[idx+1:]...)
	c.CommitmentNumber++
	c.LastUpdate = time.Now()
	return nil
}

// FailHTLC reverses a pending HTLC, returning its amount to whichever side
// offered it.
func (c *Channel) FailHTLC(id uint64) error {
	idx := c.findHTLC(id)
	if idx < 0 {
		return fmt.Errorf("%w: %d", ErrHTLCNotFound, id)
	}
	htlc := c.PendingHTLCs[idx]

	if htlc.Direction == Outgoing {
		c.LocalBalance += htlc.Amount
	} else {
		c.RemoteBalance += htlc.Amount
	}

	c.PendingHTLCs = append(c.PendingHTLCs[:idx], c.PendingHTLCs[idx+1:]...)
	c.CommitmentNumber++
	c.LastUpdate = time.Now()
	return nil
}

// CommitmentTransaction builds the current commitment transaction: one
// output per side's settled balance plus one per pending HTLC. Building it
// does not sign it; SignCommitment does.
func (c *Channel) CommitmentTransaction() *primitives.Transaction {
	tx := &primitives.Transaction{
		Version: 2,
		Inputs: []primitives.TxIn{{
			PreviousOutPoint: c.FundingOutpoint,
			Sequence:         commitmentSequence(c.ToSelfDelaySequence()),
		}},
	}
	if c.LocalBalance > 0 {
		tx.Outputs = append(tx.Outputs, primitives.Output{Amount: c.LocalBalance, Script: toLocalScript(c)})
	}
	if c.RemoteBalance > 0 {
		tx.Outputs = append(tx.Outputs, primitives.Output{Amount: c.RemoteBalance, Script: toRemoteScript(c)})
	}
	for _, h := range c.PendingHTLCs {
		tx.Outputs = append(tx.Outputs, primitives.Output{Amount: h.Amount, Script: htlcScript(h)})
	}
	return tx
}

// ToSelfDelaySequence exposes the channel's CSV delay for commitment
// sequencing.
func (c *Channel) ToSelfDelaySequence() uint16 {
	return c.Config.ToSelfDelay
}

func commitmentSequence(toSelfDelay uint16) uint32 {
	return uint32(toSelfDelay)
}

func toLocalScript(c *Channel) []byte {
	return append([]byte{0xc9}, c.LocalNodeID.SerializeCompressed()...)
}

func toRemoteScript(c *Channel) []byte {
	return append([]byte{0xca}, c.RemoteNodeID.SerializeCompressed()...)
}

func htlcScript(h HTLC) []byte {
	out := make([]byte, 0, 1+32+4)
	out = append(out, 0xcb)
	out = append(out, h.PaymentHash[:]...)
	var exp [4]byte
	binary.LittleEndian.PutUint32(exp[:], h.ExpiryHeight)
	return append(out, exp[:]...)
}

// SignCommitment signs the commitment transaction's digest with the given
// private key, producing the signature the counterparty needs to
// broadcast it unilaterally.
func SignCommitment(key *btcec.PrivateKey, tx *primitives.Transaction) (*ecdsa.Signature, error) {
	digest := chainhash.HashB(commitmentPreimage(tx))
	return ecdsa.Sign(key, digest), nil
}

func commitmentPreimage(tx *primitives.Transaction) []byte {
	var buf []byte
	for _, in := range tx.Inputs {
		buf = append(buf, in.PreviousOutPoint.Hash[:]...)
	}
	for _, out := range tx.Outputs {
		buf = append(buf, out.Bytes()...)
	}
	return buf
}

// InitiateClose begins a cooperative close, refusing to proceed while
// HTLCs are still pending (they must resolve on-chain or off first).
func (c *Channel) InitiateClose() (*primitives.Transaction, error) {
	if c.State != Active {
		return nil, fmt.Errorf("%w: channel must be active to close", ErrInvalidState)
	}
	if len(c.PendingHTLCs) > 0 {
		return nil, ErrPendingHTLCs
	}
	c.State = ClosingNegotiation
	log.Infof("Channel %v: cooperative close initiated", c.ID)
	tx := &primitives.Transaction{
		Version: 2,
		Inputs: []primitives.TxIn{{
			PreviousOutPoint: c.FundingOutpoint,
		}},
	}
	if c.LocalBalance > 0 {
		tx.Outputs = append(tx.Outputs, primitives.Output{Amount: c.LocalBalance, Script: toLocalScript(c)})
	}
	if c.RemoteBalance > 0 {
		tx.Outputs = append(tx.Outputs, primitives.Output{Amount: c.RemoteBalance, Script: toRemoteScript(c)})
	}
	return tx, nil
}

// CompleteClose finalizes a cooperative close once the closing
// transaction has confirmed.
func (c *Channel) CompleteClose() error {
	if c.State != ClosingNegotiation {
		return fmt.Errorf("%w: no closing negotiation in progress", ErrInvalidState)
	}
	c.State = Closed
	c.LastUpdate = time.Now()
	log.Infof("Channel %v: cooperative close complete", c.ID)
	return nil
}

// ForceClose unilaterally broadcasts the latest commitment transaction,
// entering ForceClosed regardless of pending HTLCs (each resolves via its
// own timeout/preimage path on-chain).
func (c *Channel) ForceClose() *primitives.Transaction {
	tx := c.CommitmentTransaction()
	c.State = ForceClosed
	c.LastUpdate = time.Now()
	log.Warnf("Channel %v: force-closed at commitment %d", c.ID, c.CommitmentNumber)
	return tx
}

// Info is a read-only snapshot of a channel's public state.
type Info struct {
	ID            ChannelID
	State         State
	Capacity      uint64
	LocalBalance  uint64
	RemoteBalance uint64
	PendingHTLCs  int
	UpdateCount   uint64
}

func (c *Channel) Info() Info {
	return Info{
		ID:            c.ID,
		State:         c.State,
		Capacity:      c.Capacity,
		LocalBalance:  c.LocalBalance,
		RemoteBalance: c.RemoteBalance,
		PendingHTLCs:  len(c.PendingHTLCs),
		UpdateCount:   c.CommitmentNumber,
	}
}
