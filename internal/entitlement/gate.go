// Package entitlement decides whether an address may use a model.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/contractai/chat-gateway/internal/chain"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Outcome is the result kind of a gate check.
type Outcome string

const (
	Allowed     Outcome = "allowed"
	Denied      Outcome = "denied"
	CheckFailed Outcome = "check_failed"
)

// Reason qualifies a CheckFailed outcome.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnknownModel    Reason = "unknown_model"
	ReasonInvalidModel    Reason = "invalid_model" // In the catalog but missing from the token mapping
	ReasonAddressRequired Reason = "address_required"
	ReasonInvalidAddress  Reason = "invalid_address"
	ReasonTimeout         Reason = "timeout"
	ReasonOracle          Reason = "oracle_error"
	ReasonNotConfigured   Reason = "not_configured"
	ReasonCanceled        Reason = "canceled"
)

var errTimeout = errors.New("entitlement check timed out")

// Decision is what the gate answers for one (address, model) pair.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	ModelID string
	TokenID *int64 // Nil for free models
	Record  *models.EntitlementRecord
	Cached  bool
	Err     error
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d.Outcome == Allowed }

// Message is a short human-readable description of a non-allowed decision.
func (d Decision) Message() string {
	switch d.Outcome {
	case Allowed:
		return "Access granted"
	case Denied:
		return "You do not own the token required for this model"
	}
	switch d.Reason {
	case ReasonUnknownModel:
		return "Unknown model"
	case ReasonInvalidModel:
		return "Model has no token mapping configured"
	case ReasonAddressRequired:
		return "Wallet address required"
	case ReasonInvalidAddress:
		return "Invalid wallet address"
	case ReasonTimeout:
		return "Entitlement check timed out"
	case ReasonNotConfigured:
		return "Entitlement oracle not configured"
	case ReasonCanceled:
		return "Entitlement check canceled"
	default:
		return "Entitlement check failed"
	}
}

// Config holds gate tuning.
type Config struct {
	Timeout     time.Duration // Bound on a single oracle read
	CacheTTL    time.Duration // How long a record is served without re-querying
	Concurrency int           // Parallel checks in CheckAll
}

// Gate is safe for concurrent use.
type Gate struct {
	catalog *models.Catalog
	mapping models.TokenMapping
	oracle  chain.BalanceOracle
	cache   Cache
	cfg     Config
	logger  *zap.SugaredLogger
	flights singleflight.Group
	now     func() time.Time
}

// NewGate builds a gate. A nil oracle makes every paid check fail with ReasonNotConfigured.
func NewGate(catalog *models.Catalog, mapping models.TokenMapping, oracle chain.BalanceOracle, cache Cache, cfg Config, logger *zap.SugaredLogger) *Gate {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Gate{
		catalog: catalog,
		mapping: mapping,
		oracle:  oracle,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With("component", "gate"),
		now:     time.Now,
	}
}

// Check decides whether address may invoke modelID.
func (g *Gate) Check(ctx context.Context, address, modelID string) Decision {
	return g.check(ctx, address, modelID, false)
}

// Refresh drops the cached record and queries the oracle again.
func (g *Gate) Refresh(ctx context.Context, address, modelID string) Decision {
	return g.check(ctx, address, modelID, true)
}

func (g *Gate) check(ctx context.Context, address, modelID string, refresh bool) Decision {
	d, tokenID, done := g.resolve(address, modelID)
	if done {
		return d
	}
	key := models.NewEntitlementKey(address, tokenID)

	if refresh {
		if err := g.cache.Invalidate(ctx, key); err != nil {
			g.logger.Warnw("cache invalidate failed", "error", err)
		}
		g.flights.Forget(flightKey(key))
	} else if rec, ok, err := g.cache.Get(ctx, key); err != nil {
		g.logger.Warnw("cache read failed", "error", err)
	} else if ok && rec.Fresh(g.now(), g.cfg.CacheTTL) {
		d.Record = &rec
		d.Cached = true
		return decide(d, rec)
	}

	if g.oracle == nil {
		return failed(d, ReasonNotConfigured, errors.New("no balance oracle configured"))
	}

	rec, err := g.query(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
			return failed(d, ReasonTimeout, err)
		case errors.Is(err, context.Canceled):
			return failed(d, ReasonCanceled, err)
		case errors.Is(err, chain.ErrInvalidAddress):
			return failed(d, ReasonInvalidAddress, err)
		default:
			return failed(d, ReasonOracle, err)
		}
	}
	d.Record = &rec
	return decide(d, rec)
}

// resolve handles every case that needs no oracle read. done is true when d is final.
func (g *Gate) resolve(address, modelID string) (d Decision, tokenID int64, done bool) {
	d = Decision{ModelID: modelID}

	model, ok := g.catalog.Get(modelID)
	if !ok {
		return failed(d, ReasonUnknownModel, fmt.Errorf("model %q not in catalog", modelID)), 0, true
	}
	if model.Free {
		d.Outcome = Allowed
		return d, 0, true
	}

	tokenID, ok = g.mapping.Lookup(modelID)
	if !ok || tokenID == models.FreeTokenID {
		return failed(d, ReasonInvalidModel, fmt.Errorf("model %q has no token mapping", modelID)), 0, true
	}
	d.TokenID = &tokenID

	if address == "" {
		return failed(d, ReasonAddressRequired, errors.New("address is required")), tokenID, true
	}
	if !common.IsHexAddress(address) {
		return failed(d, ReasonInvalidAddress, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, address)), tokenID, true
	}
	return d, tokenID, false
}

// query coalesces concurrent reads of the same key. The read itself runs detached from
// any single caller and is bounded by the gate timeout; each caller still stops waiting
// when its own context ends.
func (g *Gate) query(ctx context.Context, key models.EntitlementKey) (models.EntitlementRecord, error) {
	ch := g.flights.DoChan(flightKey(key), func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()

		balance, err := g.oracle.BalanceOf(qctx, key.Address, key.TokenID)
		if err != nil {
			if qctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", errTimeout, err)
			}
			return nil, err
		}

		rec := models.EntitlementRecord{
			Address:   key.Address,
			TokenID:   key.TokenID,
			Balance:   balance,
			CheckedAt: g.now(),
		}
		if err := g.cache.Put(qctx, rec); err != nil {
			g.logger.Warnw("cache write failed", "error", err)
		}
		return rec, nil
	})

	// Guards against an oracle that ignores its context.
	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.EntitlementRecord{}, res.Err
		}
		return res.Val.(models.EntitlementRecord), nil
	case <-ctx.Done():
		return models.EntitlementRecord{}, ctx.Err()
	case <-timer.C:
		return models.EntitlementRecord{}, errTimeout
	}
}

// CheckAll checks every catalog model for address. Each model is decided independently.
func (g *Gate) CheckAll(ctx context.Context, address string) map[string]Decision {
	ids := g.catalog.IDs()
	results := make([]Decision, len(ids))

	var eg errgroup.Group
	eg.SetLimit(g.cfg.Concurrency)
	for i, id := range ids {
		eg.Go(func() error {
			results[i] = g.Check(ctx, address, id)
			return nil
		})
	}
	_ = eg.Wait()

	out := make(map[string]Decision, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

func decide(d Decision, rec models.EntitlementRecord) Decision {
	if rec.Entitled() {
		d.Outcome = Allowed
	} else {
		d.Outcome = Denied
	}
	return d
}

func failed(d Decision, reason Reason, err error) Decision {
	d.Outcome = CheckFailed
	d.Reason = reason
	d.Err = err
	return d
}

func flightKey(key models.EntitlementKey) string {
	return key.Address + "/" + strconv.FormatInt(key.TokenID, 10)
}
