package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PhaseName is the persisted name of a bridge phase.
type PhaseName string

const (
	PhaseInitiated        PhaseName = "INITIATED"
	PhaseApproved         PhaseName = "APPROVED"
	PhaseBurnConfirmed    PhaseName = "BURN_CONFIRMED"
	PhaseAttestationReady PhaseName = "ATTESTATION_READY"
	PhaseCompleted        PhaseName = "COMPLETED"
	PhaseFailed           PhaseName = "FAILED"
)

// Phase is the state of a bridge transfer. Each variant carries only the
// fields that exist in that phase.
type Phase interface {
	Name() PhaseName
	isPhase()
}

type Initiated struct{}

// Approved means the token messenger may spend the amount. ApprovalTxHash is
// empty when an existing allowance was reused. BurnTxHash is set once a burn
// has been submitted but before its receipt is confirmed, so a resume waits
// for that burn instead of burning again.
//
// BurnSubmitting is recorded before the burn is sent. When it is set without
// a hash the submission may have reached the chain, and a resume must look
// for the burn from block BurnSearchFrom on before sending another.
type Approved struct {
	ApprovalTxHash string
	BurnTxHash     string
	BurnSubmitting bool
	BurnSearchFrom uint64
}

type BurnConfirmed struct {
	BurnTxHash string
	BurnBlock  uint64
}

// AttestationReady holds the certified message. MintTxHash is set once a
// mint has been submitted but before its receipt is confirmed.
type AttestationReady struct {
	BurnTxHash  string
	Message     []byte
	Attestation []byte
	MintTxHash  string
}

// Completed holds the mint hash, which is empty when the message was
// consumed by a transaction we did not submit.
type Completed struct {
	BurnTxHash  string
	Message     []byte
	Attestation []byte
	MintTxHash  string
}

type Failed struct {
	From       PhaseName
	Reason     string
	BurnTxHash string
}

func (Initiated) Name() PhaseName        { return PhaseInitiated }
func (Approved) Name() PhaseName         { return PhaseApproved }
func (BurnConfirmed) Name() PhaseName    { return PhaseBurnConfirmed }
func (AttestationReady) Name() PhaseName { return PhaseAttestationReady }
func (Completed) Name() PhaseName        { return PhaseCompleted }
func (Failed) Name() PhaseName           { return PhaseFailed }

func (Initiated) isPhase()        {}
func (Approved) isPhase()         {}
func (BurnConfirmed) isPhase()    {}
func (AttestationReady) isPhase() {}
func (Completed) isPhase()        {}
func (Failed) isPhase()           {}

var phaseOrder = map[PhaseName]int{
	PhaseInitiated:        0,
	PhaseApproved:         1,
	PhaseBurnConfirmed:    2,
	PhaseAttestationReady: 3,
	PhaseCompleted:        4,
}

// IsTerminal reports whether no further transition is possible.
func (n PhaseName) IsTerminal() bool {
	return n == PhaseCompleted || n == PhaseFailed
}

// CanFail reports whether a record in this phase may still move to FAILED.
// Once the burn is attested the funds exist only as a pending mint.
func (n PhaseName) CanFail() bool {
	switch n {
	case PhaseInitiated, PhaseApproved, PhaseBurnConfirmed:
		return true
	default:
		return false
	}
}

// CanTransition checks a single step of the bridge state machine.
func CanTransition(from, to PhaseName) bool {
	if to == PhaseFailed {
		return from.CanFail()
	}
	fi, ok := phaseOrder[from]
	if !ok {
		return false
	}
	ti, ok := phaseOrder[to]
	if !ok {
		return false
	}
	return ti == fi+1
}

// BridgeRecord is one cross-chain transfer.
//
// Version grows with every stored change and guards updates. Lease names the
// caller currently driving the record; it is honoured until LeaseExpires.
type BridgeRecord struct {
	ID           string
	SourceChain  string
	DestChain    string
	Amount       decimal.Decimal
	Sender       string
	Recipient    string
	Phase        Phase
	Version      int64
	Lease        string
	LeaseExpires time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Leased reports whether a caller other than token holds the record at now.
func (r *BridgeRecord) Leased(token string, now time.Time) bool {
	return r.Lease != "" && r.Lease != token && now.Before(r.LeaseExpires)
}

// BurnTxHash returns the resume key once the burn is known.
func (r *BridgeRecord) BurnTxHash() string {
	switch p := r.Phase.(type) {
	case Approved:
		return p.BurnTxHash
	case BurnConfirmed:
		return p.BurnTxHash
	case AttestationReady:
		return p.BurnTxHash
	case Completed:
		return p.BurnTxHash
	case Failed:
		return p.BurnTxHash
	default:
		return ""
	}
}

// Advance moves the record to next, rejecting out-of-order steps.
func (r *BridgeRecord) Advance(op string, next Phase, at time.Time) error {
	from := r.Phase.Name()
	// Recording a pending burn or mint hash keeps the phase name.
	if from == next.Name() && (from == PhaseApproved || from == PhaseAttestationReady) {
		r.Phase = next
		r.UpdatedAt = at
		return nil
	}
	if !CanTransition(from, next.Name()) {
		return StateConflictError(op, "phase", from,
			fmt.Sprintf("cannot move bridge %s from %s to %s", r.ID, from, next.Name()))
	}
	r.Phase = next
	r.UpdatedAt = at
	return nil
}

// PhaseFields is the flat persisted form of a Phase.
type PhaseFields struct {
	Name           PhaseName
	ApprovalTxHash string
	BurnTxHash     string
	BurnBlock      uint64
	Message        []byte
	Attestation    []byte
	MintTxHash     string
	FailedFrom     PhaseName
	FailureReason  string
	BurnSubmitting bool
	BurnSearchFrom uint64
}

// EncodePhase flattens a phase for storage. Fields a phase does not carry
// stay zero.
func EncodePhase(p Phase) PhaseFields {
	f := PhaseFields{Name: p.Name()}
	switch v := p.(type) {
	case Approved:
		f.ApprovalTxHash = v.ApprovalTxHash
		f.BurnTxHash = v.BurnTxHash
		f.BurnSubmitting = v.BurnSubmitting
		f.BurnSearchFrom = v.BurnSearchFrom
	case BurnConfirmed:
		f.BurnTxHash = v.BurnTxHash
		f.BurnBlock = v.BurnBlock
	case AttestationReady:
		f.BurnTxHash = v.BurnTxHash
		f.Message = v.Message
		f.Attestation = v.Attestation
		f.MintTxHash = v.MintTxHash
	case Completed:
		f.BurnTxHash = v.BurnTxHash
		f.Message = v.Message
		f.Attestation = v.Attestation
		f.MintTxHash = v.MintTxHash
	case Failed:
		f.FailedFrom = v.From
		f.FailureReason = v.Reason
		f.BurnTxHash = v.BurnTxHash
	}
	return f
}

// DecodePhase rebuilds a phase and rejects rows missing mandatory fields.
func DecodePhase(f PhaseFields) (Phase, error) {
	switch f.Name {
	case PhaseInitiated:
		return Initiated{}, nil
	case PhaseApproved:
		return Approved{
			ApprovalTxHash: f.ApprovalTxHash,
			BurnTxHash:     f.BurnTxHash,
			BurnSubmitting: f.BurnSubmitting,
			BurnSearchFrom: f.BurnSearchFrom,
		}, nil
	case PhaseBurnConfirmed:
		if f.BurnTxHash == "" {
			return nil, fmt.Errorf("phase %s without burn tx hash", f.Name)
		}
		return BurnConfirmed{BurnTxHash: f.BurnTxHash, BurnBlock: f.BurnBlock}, nil
	case PhaseAttestationReady:
		if f.BurnTxHash == "" || len(f.Message) == 0 || len(f.Attestation) == 0 {
			return nil, fmt.Errorf("phase %s without burn hash, message and attestation", f.Name)
		}
		return AttestationReady{
			BurnTxHash:  f.BurnTxHash,
			Message:     f.Message,
			Attestation: f.Attestation,
			MintTxHash:  f.MintTxHash,
		}, nil
	case PhaseCompleted:
		if f.BurnTxHash == "" || len(f.Message) == 0 {
			return nil, fmt.Errorf("phase %s without burn hash and message", f.Name)
		}
		return Completed{
			BurnTxHash:  f.BurnTxHash,
			Message:     f.Message,
			Attestation: f.Attestation,
			MintTxHash:  f.MintTxHash,
		}, nil
	case PhaseFailed:
		if _, ok := phaseOrder[f.FailedFrom]; !ok || !f.FailedFrom.CanFail() {
			return nil, fmt.Errorf("phase %s with invalid origin %q", f.Name, f.FailedFrom)
		}
		return Failed{From: f.FailedFrom, Reason: f.FailureReason, BurnTxHash: f.BurnTxHash}, nil
	default:
		return nil, fmt.Errorf("unknown bridge phase %q", f.Name)
	}
}
