// Package bridge moves USDC between chains with CCTP: approve, burn on the
// source chain, wait for Circle's attestation, mint on the destination.
//
// Every phase is persisted before the next chain call so a record can be
// resumed after a crash. Once the burn is confirmed its hash is the resume
// key. A caller leases a record before driving it, so two processes never
// submit for the same record at once.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vietddude/treasury/internal/core/config"
	"github.com/vietddude/treasury/internal/core/domain"
	"github.com/vietddude/treasury/internal/infra/attestation"
	"github.com/vietddude/treasury/internal/infra/chain"
	"github.com/vietddude/treasury/internal/infra/storage"
	"github.com/vietddude/treasury/internal/metrics"
)

// Service drives bridge records through their phases.
type Service struct {
	store  storage.Store
	cfg    *config.AppConfig
	chains chain.Clients
	attest attestation.Poller
	log    *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, cfg *config.AppConfig, chains chain.Clients, attest attestation.Poller) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		chains: chains,
		attest: attest,
		log:    slog.Default().With("component", "bridge"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger replaces the default logger.
func (s *Service) SetLogger(l *slog.Logger) {
	s.log = l.With("component", "bridge")
}

// Request describes a transfer. Recipient defaults to the sender.
type Request struct {
	SourceChain string
	DestChain   string
	Amount      decimal.Decimal
	Recipient   string
}

// route holds both ends of a record's transfer.
type route struct {
	src, dst       chain.Client
	srcCfg, dstCfg *config.ChainConfig
}

// Bridge persists a new record and runs it as far as it can go. When the
// attestation does not arrive within the configured timeout the record is
// returned in BURN_CONFIRMED without an error; resume it with Complete.
func (s *Service) Bridge(ctx context.Context, req Request) (*domain.BridgeRecord, error) {
	const op = "bridge.Bridge"

	if req.SourceChain == req.DestChain {
		return nil, domain.ValidationError(op, "dest_chain", req.DestChain, "must differ from the source chain")
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ValidationError(op, "amount", req.Amount.String(), "must be greater than 0")
	}
	if err := domain.CheckPrecision(op, "amount", req.Amount); err != nil {
		return nil, err
	}
	if !s.cfg.Bridge.MaxFeeAmount.LessThan(req.Amount) {
		return nil, domain.ValidationError(op, "amount", req.Amount.String(),
			"must exceed the maximum fee "+s.cfg.Bridge.MaxFeeAmount.String())
	}

	sender, err := s.sender(ctx, op)
	if err != nil {
		return nil, err
	}
	recipient := sender
	if req.Recipient != "" {
		if recipient, err = domain.NormalizeAddress(op, "recipient", req.Recipient); err != nil {
			return nil, err
		}
	}

	now := s.now()
	rec := &domain.BridgeRecord{
		ID:           uuid.NewString(),
		SourceChain:  req.SourceChain,
		DestChain:    req.DestChain,
		Amount:       req.Amount,
		Sender:       sender,
		Recipient:    recipient,
		Phase:        domain.Initiated{},
		Lease:        uuid.NewString(),
		LeaseExpires: now.Add(s.cfg.Bridge.LeaseTTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.route(op, rec); err != nil {
		return nil, err
	}
	if err := s.store.InsertBridge(ctx, rec); err != nil {
		return nil, storeError(op, err)
	}
	defer s.release(ctx, rec)
	metrics.BridgeTransitions.WithLabelValues("", string(domain.PhaseInitiated)).Inc()
	s.log.Info("Bridge initiated",
		"bridge", rec.ID, "source", rec.SourceChain, "dest", rec.DestChain,
		"amount", rec.Amount.String(), "recipient", rec.Recipient)

	return s.drive(ctx, rec)
}

// Complete resumes the record whose burn is tx hash burnTxHash. A completed
// record is returned unchanged; a failed one is a state conflict.
func (s *Service) Complete(ctx context.Context, burnTxHash string) (*domain.BridgeRecord, error) {
	const op = "bridge.Complete"

	hash, err := domain.NormalizeTxHash(op, "burn_tx_hash", burnTxHash)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetBridgeByBurnTx(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "burn_tx_hash", hash)
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	return s.resume(ctx, op, rec)
}

// Resume continues a record by id. Unlike Complete it also reaches records
// that have not burned yet.
func (s *Service) Resume(ctx context.Context, id string) (*domain.BridgeRecord, error) {
	const op = "bridge.Resume"
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.resume(ctx, op, rec)
}

func (s *Service) resume(ctx context.Context, op string, rec *domain.BridgeRecord) (*domain.BridgeRecord, error) {
	if done, err := settled(op, rec); done {
		return rec, err
	}
	rec, err := s.claim(ctx, op, rec.ID)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, rec)
	if done, err := settled(op, rec); done {
		return rec, err
	}
	s.log.Info("Resuming bridge", "bridge", rec.ID, "phase", rec.Phase.Name())
	return s.drive(ctx, rec)
}

// settled reports whether rec needs no more work, with the error a terminal
// failure carries.
func settled(op string, rec *domain.BridgeRecord) (bool, error) {
	switch p := rec.Phase.(type) {
	case domain.Completed:
		return true, nil
	case domain.Failed:
		return true, domain.StateConflictError(op, "phase", p.Name(), "bridge "+rec.ID+" failed: "+p.Reason)
	}
	return false, nil
}

// Pending lists records that are neither completed nor failed.
func (s *Service) Pending(ctx context.Context) ([]*domain.BridgeRecord, error) {
	recs, err := s.store.ListBridges(ctx, true)
	if err != nil {
		return nil, domain.TransientError("bridge.Pending", err)
	}
	return recs, nil
}

// List returns every record, oldest first.
func (s *Service) List(ctx context.Context) ([]*domain.BridgeRecord, error) {
	recs, err := s.store.ListBridges(ctx, false)
	if err != nil {
		return nil, domain.TransientError("bridge.List", err)
	}
	return recs, nil
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.BridgeRecord, error) {
	const op = "bridge.Get"
	rec, err := s.store.GetBridge(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError(op, "id", id)
	}
	if err != nil {
		return nil, domain.TransientError(op, err)
	}
	return rec, nil
}

// Fail abandons a record that has not been attested yet. After attestation
// the burnt funds only exist as a pending mint, so the record must be
// completed instead.
func (s *Service) Fail(ctx context.Context, id, reason string) (*domain.BridgeRecord, error) {
	const op = "bridge.Fail"
	if strings.TrimSpace(reason) == "" {
		return nil, domain.ValidationError(op, "reason", reason, "must not be empty")
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := failable(op, rec); err != nil {
		return nil, err
	}
	if rec, err = s.claim(ctx, op, id); err != nil {
		return nil, err
	}
	defer s.release(ctx, rec)
	if err := failable(op, rec); err != nil {
		return nil, err
	}
	if err := s.fail(ctx, rec, reason); err != nil {
		return nil, err
	}
	return rec, nil
}

func failable(op string, rec *domain.BridgeRecord) error {
	if !rec.Phase.Name().CanFail() {
		return domain.StateConflictError(op, "phase", rec.Phase.Name(),
			"bridge "+rec.ID+" can no longer be failed")
	}
	return nil
}

// drive runs phase steps until the record is terminal or a step has to
// wait for something outside the process.
func (s *Service) drive(ctx context.Context, rec *domain.BridgeRecord) (*domain.BridgeRecord, error) {
	rt, err := s.route("bridge.drive", rec)
	if err != nil {
		return rec, err
	}
	for {
		var waiting bool
		switch p := rec.Phase.(type) {
		case domain.Initiated:
			err = s.approve(ctx, rt, rec)
		case domain.Approved:
			err = s.burn(ctx, rt, rec, p)
		case domain.BurnConfirmed:
			waiting, err = s.awaitAttestation(ctx, rt, rec, p)
		case domain.AttestationReady:
			err = s.mint(ctx, rt, rec, p)
		default:
			return rec, nil
		}
		if err != nil || waiting {
			return rec, err
		}
	}
}

func (s *Service) approve(ctx context.Context, rt *route, rec *domain.BridgeRecord) error {
	const op = "bridge.approve"
	spender := rt.srcCfg.TokenMessenger

	allowance, err := rt.src.Allowance(ctx, rec.Sender, spender)
	if err != nil {
		return chainError(op, err)
	}
	if allowance.GreaterThanOrEqual(rec.Amount) {
		s.log.Debug("Reusing allowance", "bridge", rec.ID, "allowance", allowance.String())
		return s.transition(ctx, rec, domain.Approved{}, nil)
	}

	hash, err := rt.src.Approve(ctx, rec.Sender, spender, rec.Amount)
	if err != nil {
		if domain.KindOf(err) == domain.KindFatalChain {
			if ferr := s.fail(ctx, rec, "approval rejected: "+err.Error()); ferr != nil {
				return ferr
			}
		}
		return chainError(op, err)
	}
	receipt, err := rt.src.WaitReceipt(ctx, hash)
	if err != nil {
		return chainError(op, err)
	}
	if !receipt.Succeeded() {
		if err := s.fail(ctx, rec, "approval reverted"); err != nil {
			return err
		}
		return domain.FatalChainError(op, "approval_tx_hash", hash, "approval reverted")
	}
	return s.transition(ctx, rec, domain.Approved{ApprovalTxHash: hash}, nil)
}

func (s *Service) burn(ctx context.Context, rt *route, rec *domain.BridgeRecord, p domain.Approved) error {
	const op = "bridge.burn"

	hash := p.BurnTxHash
	if hash == "" && p.BurnSubmitting {
		found, err := s.findBurn(ctx, rt, rec, p.BurnSearchFrom)
		if err != nil {
			return err
		}
		if found == "" {
			return domain.TransientError(op, fmt.Errorf(
				"bridge %s: burn sent after block %d is not on chain yet; resume later or fail the record: %w",
				rec.ID, p.BurnSearchFrom, chain.ErrSubmitUnknown))
		}
		s.log.Info("Found burn from an interrupted submission", "bridge", rec.ID, "burn_tx_hash", found)
		hash = found
		if err := s.transition(ctx, rec, domain.Approved{ApprovalTxHash: p.ApprovalTxHash, BurnTxHash: hash}, nil); err != nil {
			return err
		}
	}
	if hash == "" {
		from, err := rt.src.ConfirmedBlock(ctx)
		if err != nil {
			return chainError(op, err)
		}
		// Marked before sending: from here on a resume searches instead of burning again.
		if err := s.transition(ctx, rec, domain.Approved{
			ApprovalTxHash: p.ApprovalTxHash,
			BurnSubmitting: true,
			BurnSearchFrom: from,
		}, nil); err != nil {
			return err
		}
		submitted, err := rt.src.DepositForBurn(ctx, rec.Sender, chain.BurnRequest{
			Amount:      rec.Amount,
			DestDomain:  rt.dstCfg.CCTPDomain,
			Recipient:   rec.Recipient,
			MaxFee:      s.cfg.Bridge.MaxFeeAmount,
			MinFinality: s.cfg.Bridge.MinFinality,
		})
		if err != nil {
			if errors.Is(err, chain.ErrSubmitUnknown) {
				s.log.Warn("Burn submission outcome unknown", "bridge", rec.ID, "error", err)
				return chainError(op, err)
			}
			// Nothing reached the chain; clear the mark so a resume burns again.
			cleared := domain.Approved{ApprovalTxHash: p.ApprovalTxHash}
			if terr := s.transition(ctx, rec, cleared, nil); terr != nil {
				return terr
			}
			if domain.KindOf(err) == domain.KindFatalChain {
				if ferr := s.fail(ctx, rec, "burn rejected: "+err.Error()); ferr != nil {
					return ferr
				}
			}
			return chainError(op, err)
		}
		hash = strings.ToLower(submitted)
		if err := s.transition(ctx, rec, domain.Approved{ApprovalTxHash: p.ApprovalTxHash, BurnTxHash: hash}, nil); err != nil {
			return err
		}
	}

	receipt, err := rt.src.WaitReceipt(ctx, hash)
	if err != nil {
		return chainError(op, err)
	}
	if !receipt.Succeeded() {
		if err := s.fail(ctx, rec, "burn reverted"); err != nil {
			return err
		}
		return domain.FatalChainError(op, "burn_tx_hash", hash, "burn reverted")
	}

	now := s.now()
	messenger := domain.MustAddress(rt.srcCfg.TokenMessenger).Hex()
	burnTx := &domain.Transaction{
		TxHash:       hash,
		Chain:        rec.SourceChain,
		Direction:    domain.DirectionOutgoing,
		Amount:       rec.Amount,
		From:         rec.Sender,
		To:           messenger,
		Counterparty: messenger,
		Wallet:       rec.Sender,
		BlockNumber:  receipt.BlockNumber,
		BlockTime:    now,
		Category:     domain.CategoryBridgingFees,
		Kind:         domain.TxKindBridgeBurn,
		Memo:         fmt.Sprintf("Bridge %s burn to %s", rec.ID, rec.DestChain),
		RecordedAt:   now,
	}
	return s.transition(ctx, rec, domain.BurnConfirmed{BurnTxHash: hash, BurnBlock: receipt.BlockNumber},
		func(repo storage.Repository) error {
			_, err := repo.InsertTransaction(ctx, burnTx)
			return err
		})
}

// findBurn looks for a burn of rec sent from block from on: an outgoing
// transfer of the record's amount that no invoice, flow or other bridge
// already accounts for. A scan may have recorded the burn itself as an
// unlinked transfer. It returns "" when there is none yet.
func (s *Service) findBurn(ctx context.Context, rt *route, rec *domain.BridgeRecord, from uint64) (string, error) {
	const op = "bridge.findBurn"
	head, err := rt.src.ConfirmedBlock(ctx)
	if err != nil {
		return "", chainError(op, err)
	}
	if head < from {
		return "", nil
	}
	events, err := rt.src.TransferEvents(ctx, rec.Sender, from, head)
	if err != nil {
		return "", chainError(op, err)
	}
	for _, ev := range events {
		if !domain.SameAddress(ev.From, rec.Sender) || !ev.Amount.Equal(rec.Amount) {
			continue
		}
		hash := strings.ToLower(ev.TxHash)
		tx, err := s.store.GetTransaction(ctx, hash)
		switch {
		case err == nil && (tx.Linked() || tx.Kind != domain.TxKindScanned):
			continue
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return "", domain.TransientError(op, err)
		}
		if _, err := s.store.GetBridgeByBurnTx(ctx, hash); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", domain.TransientError(op, err)
		}
		return hash, nil
	}
	return "", nil
}

// awaitAttestation polls until the attestation is ready or the configured
// timeout passes. waiting is true when it gave up for now.
func (s *Service) awaitAttestation(ctx context.Context, rt *route, rec *domain.BridgeRecord, p domain.BurnConfirmed) (waiting bool, err error) {
	log := s.log.With("bridge", rec.ID, "burn_tx_hash", p.BurnTxHash)

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.Bridge.AttestationTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.Bridge.PollInterval)
	defer ticker.Stop()

	for {
		res, err := s.attest.Poll(pollCtx, rt.srcCfg.CCTPDomain, p.BurnTxHash)
		switch {
		case err != nil && (domain.IsRetryable(err) || pollCtx.Err() != nil):
			log.Debug("Attestation poll failed", "error", err)
		case err != nil:
			return false, err
		case res != nil:
			msg, perr := ParseMessage(res.Message)
			switch {
			case perr != nil:
				log.Warn("Ignoring undecodable attested message", "error", perr)
			case msg.SourceDomain != rt.srcCfg.CCTPDomain || msg.DestDomain != rt.dstCfg.CCTPDomain:
				log.Warn("Ignoring attested message for another route",
					"source_domain", msg.SourceDomain, "dest_domain", msg.DestDomain)
			default:
				return false, s.transition(ctx, rec, domain.AttestationReady{
					BurnTxHash:  p.BurnTxHash,
					Message:     res.Message,
					Attestation: res.Attestation,
				}, nil)
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-pollCtx.Done():
			log.Info("Attestation not ready yet, resume later", "timeout", s.cfg.Bridge.AttestationTimeout)
			return true, nil
		case <-ticker.C:
		}
	}
}

func (s *Service) mint(ctx context.Context, rt *route, rec *domain.BridgeRecord, p domain.AttestationReady) error {
	const op = "bridge.mint"
	log := s.log.With("bridge", rec.ID, "burn_tx_hash", p.BurnTxHash)

	msg, err := ParseMessage(p.Message)
	if err != nil {
		return fmt.Errorf("%s: stored message: %w", op, err)
	}

	if p.MintTxHash != "" {
		receipt, err := rt.dst.Receipt(ctx, p.MintTxHash)
		if err != nil {
			return chainError(op, err)
		}
		if receipt == nil {
			if receipt, err = rt.dst.WaitReceipt(ctx, p.MintTxHash); err != nil {
				return chainError(op, err)
			}
		}
		if receipt.Succeeded() {
			return s.complete(ctx, rt, rec, p, msg, p.MintTxHash, receipt.BlockNumber)
		}
		log.Warn("Pending mint reverted", "mint_tx_hash", p.MintTxHash)
		p.MintTxHash = ""
	}

	used, err := rt.dst.NonceUsed(ctx, msg.Nonce)
	if err != nil {
		return chainError(op, err)
	}
	if used {
		log.Info("Message already received on destination", "message_hash", Hash(p.Message).Hex())
		return s.complete(ctx, rt, rec, p, msg, "", 0)
	}

	hash, err := rt.dst.ReceiveMessage(ctx, rec.Sender, p.Message, p.Attestation)
	if err != nil {
		return chainError(op, err)
	}
	p.MintTxHash = strings.ToLower(hash)
	if err := s.transition(ctx, rec, p, nil); err != nil {
		return err
	}
	log.Info("Mint submitted", "mint_tx_hash", p.MintTxHash)

	receipt, err := rt.dst.WaitReceipt(ctx, p.MintTxHash)
	if err != nil {
		return chainError(op, err)
	}
	if !receipt.Succeeded() {
		reverted := p.MintTxHash
		p.MintTxHash = ""
		if err := s.transition(ctx, rec, p, nil); err != nil {
			return err
		}
		return domain.FatalChainError(op, "mint_tx_hash", reverted, "mint reverted")
	}
	return s.complete(ctx, rt, rec, p, msg, p.MintTxHash, receipt.BlockNumber)
}

// complete marks the record COMPLETED. mintHash is empty when the message
// was received by a transaction we did not submit; nothing is recorded then.
func (s *Service) complete(ctx context.Context, rt *route, rec *domain.BridgeRecord, p domain.AttestationReady, msg *Message, mintHash string, block uint64) error {
	next := domain.Completed{
		BurnTxHash:  p.BurnTxHash,
		Message:     p.Message,
		Attestation: p.Attestation,
		MintTxHash:  mintHash,
	}
	if mintHash == "" {
		return s.transition(ctx, rec, next, nil)
	}

	amount := rec.Amount
	if minted, ok := msg.MintedAmount(); ok && minted.IsPositive() {
		amount = minted
	}
	now := s.now()
	mintTx := &domain.Transaction{
		TxHash:       mintHash,
		Chain:        rec.DestChain,
		Direction:    domain.DirectionIncoming,
		Amount:       amount,
		From:         common.Address{}.Hex(),
		To:           rec.Recipient,
		Counterparty: domain.MustAddress(rt.dstCfg.MessageTransmitter).Hex(),
		Wallet:       rec.Recipient,
		BlockNumber:  block,
		BlockTime:    now,
		Category:     domain.CategoryIncomingTransfer,
		Kind:         domain.TxKindBridgeMint,
		Memo:         fmt.Sprintf("Bridge %s mint from %s", rec.ID, rec.SourceChain),
		RecordedAt:   now,
	}
	return s.transition(ctx, rec, next, func(repo storage.Repository) error {
		_, err := repo.InsertTransaction(ctx, mintTx)
		return err
	})
}

func (s *Service) fail(ctx context.Context, rec *domain.BridgeRecord, reason string) error {
	return s.transition(ctx, rec, domain.Failed{
		From:       rec.Phase.Name(),
		Reason:     reason,
		BurnTxHash: rec.BurnTxHash(),
	}, nil)
}

// transition persists next if the record was not changed since it was read,
// running extra in the same storage transaction. Every write also extends
// the caller's lease.
func (s *Service) transition(ctx context.Context, rec *domain.BridgeRecord, next domain.Phase, extra func(repo storage.Repository) error) error {
	const op = "bridge.transition"
	from := rec.Phase.Name()

	updated := *rec
	now := s.now()
	if err := updated.Advance(op, next, now); err != nil {
		return err
	}
	updated.LeaseExpires = now.Add(s.cfg.Bridge.LeaseTTL)
	err := s.store.WithTx(ctx, func(repo storage.Repository) error {
		attempt := updated
		if err := repo.UpdateBridge(ctx, &attempt); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(repo); err != nil {
				return err
			}
		}
		updated.Version = attempt.Version
		return nil
	})
	if errors.Is(err, storage.ErrConflict) {
		return domain.StateConflictError(op, "phase", from, "bridge "+rec.ID+" was changed concurrently")
	}
	if err != nil {
		return storeError(op, err)
	}
	*rec = updated

	if from != next.Name() {
		metrics.BridgeTransitions.WithLabelValues(string(from), string(next.Name())).Inc()
		s.log.Info("Bridge phase changed", "bridge", rec.ID, "from", from, "to", next.Name())
	}
	return nil
}

// claim leases the record to this call.
func (s *Service) claim(ctx context.Context, op, id string) (*domain.BridgeRecord, error) {
	now := s.now()
	rec, err := s.store.ClaimBridge(ctx, id, uuid.NewString(), now.Add(s.cfg.Bridge.LeaseTTL), now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, domain.NotFoundError(op, "id", id)
	case errors.Is(err, storage.ErrConflict):
		return nil, domain.StateConflictError(op, "id", id, "bridge "+id+" is being processed by another caller")
	case err != nil:
		return nil, storeError(op, err)
	}
	return rec, nil
}

// release gives up the lease even when ctx is already done. A lease that
// cannot be released expires on its own.
func (s *Service) release(ctx context.Context, rec *domain.BridgeRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseBridge(ctx, rec.ID, rec.Lease); err != nil {
		s.log.Warn("Failed to release bridge lease", "bridge", rec.ID, "error", err)
		return
	}
	rec.Lease, rec.LeaseExpires = "", time.Time{}
}

func (s *Service) route(op string, rec *domain.BridgeRecord) (*route, error) {
	srcCfg, ok := s.cfg.Chain(rec.SourceChain)
	if !ok {
		return nil, domain.ValidationError(op, "source_chain", rec.SourceChain, "chain is not configured")
	}
	dstCfg, ok := s.cfg.Chain(rec.DestChain)
	if !ok {
		return nil, domain.ValidationError(op, "dest_chain", rec.DestChain, "chain is not configured")
	}
	src, err := s.chains.Get(op, rec.SourceChain)
	if err != nil {
		return nil, err
	}
	dst, err := s.chains.Get(op, rec.DestChain)
	if err != nil {
		return nil, err
	}
	return &route{src: src, dst: dst, srcCfg: srcCfg, dstCfg: dstCfg}, nil
}

func (s *Service) sender(ctx context.Context, op string) (string, error) {
	w, err := s.store.DefaultWallet(ctx)
	if err == nil {
		return w.Address, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", domain.TransientError(op, err)
	}
	if s.cfg.Treasury.Wallet != "" {
		return domain.NormalizeAddress(op, "treasury.wallet", s.cfg.Treasury.Wallet)
	}
	return "", domain.ValidationError(op, "sender", "", "no default wallet registered")
}

func chainError(op string, err error) error {
	if domain.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.TransientError(op, err)
}

func storeError(op string, err error) error {
	if domain.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.TransientError(op, err)
}
