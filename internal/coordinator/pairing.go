package coordinator

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/tinode/bnode/internal/store"
)

// pairingAlphabet excludes visually confusable glyphs:
// {A-Z,a-z,0-9} minus {I,l,2,z,Z,5,s,S,0,o,O}.
const pairingAlphabet = "ABCDEFGHJKLMNPQRTUVWXYabcdefghijkmnpqrtuvwxy1346789"

const pairingCodeLength = 8

// PairingService issues and single-uses short human-readable codes that
// let a new device bootstrap an existing user identity.
type PairingService struct {
	codes     store.PairingCodeStore
	ttl       time.Duration
	sweepFreq time.Duration
}

// NewPairingService builds a PairingService. ttl defaults to 15 minutes,
// sweepFreq to 15 minutes.
func NewPairingService(codes store.PairingCodeStore, ttl, sweepFreq time.Duration) *PairingService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if sweepFreq <= 0 {
		sweepFreq = 15 * time.Minute
	}
	return &PairingService{codes: codes, ttl: ttl, sweepFreq: sweepFreq}
}

// IssueOrReuse returns U's outstanding code if one exists, else mints and
// persists a new one.
func (p *PairingService) IssueOrReuse(ctx context.Context, userID, username, domainID, clusterID, channelID string) (*store.PairingCode, error) {
	existing, err := p.codes.GetByUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, NewErr(KindStateInvariant, "pairing code lookup failed", err)
	}

	code, err := generatePairingCode()
	if err != nil {
		return nil, NewErr(KindStateInvariant, "pairing code generation failed", err)
	}
	rec := &store.PairingCode{
		Code:       code,
		UserID:     userID,
		Username:   username,
		DomainID:   domainID,
		ClusterID:  clusterID,
		ChannelID:  channelID,
		CreateTime: time.Now(),
		UpdateTime: time.Now(),
	}
	if err := p.codes.Put(ctx, rec, p.ttl); err != nil {
		return nil, NewErr(KindStateInvariant, "pairing code persist failed", err)
	}
	return rec, nil
}

// Redeem atomically takes (fetch+delete) the code record; a second
// attempt with the same code fails.
func (p *PairingService) Redeem(ctx context.Context, code string) (*store.PairingCode, error) {
	rec, err := p.codes.Take(ctx, code)
	if err == store.ErrNotFound {
		return nil, NewErr(KindStateInvariant, "pairing code already used or expired", err)
	}
	if err != nil {
		return nil, NewErr(KindStateInvariant, "pairing code redeem failed", err)
	}
	return rec, nil
}

// RunSweep removes codes older than the configured TTL, looping until ctx
// is cancelled. Adapters with native TTL (Redis) make Sweep a no-op; this
// loop is still safe to run against them.
func (p *PairingService) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(p.sweepFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.codes.Sweep(ctx, p.ttl)
		}
	}
}

func generatePairingCode() (string, error) {
	buf := make([]byte, pairingCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pairingAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = pairingAlphabet[n.Int64()]
	}
	return string(buf), nil
}
