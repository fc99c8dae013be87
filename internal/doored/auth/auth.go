// Package auth adapts the bus manager's challenge-response primitives
// to the decision core: verification against the stored secret, and
// fresh secret generation during key provisioning.
package auth

import (
	"go.uber.org/zap"

	"github.com/doored/doored/internal/doored/hw"
	"github.com/doored/doored/internal/doored/store"
)

type Service struct {
	bus   hw.BusManager
	store *store.Store
	log   *zap.Logger
}

func NewService(bus hw.BusManager, st *store.Store, log *zap.Logger) *Service {
	return &Service{bus: bus, store: st, log: log}
}

// Authenticate runs the challenge-response exchange for keyID using the
// stored secret. A key without a stored secret cannot authenticate, and
// a transport error is reported as failure: the bus going quiet must
// never read as "access granted".
func (s *Service) Authenticate(keyID string) bool {
	k, ok := s.store.Key(keyID)
	if !ok || k.Secret == "" {
		return false
	}

	authed, err := s.bus.IssueChallenge(keyID, k.Secret)
	if err != nil {
		s.log.Warn("challenge transport error", zap.String("key", keyID), zap.Error(err))
		return false
	}
	return authed
}

// Generate asks the device to derive a new secret. A CRC failure or
// transport error is reported as ok=false; the caller decides whether
// to retry. The secret is not persisted here.
func (s *Service) Generate(keyID string) (secret string, ok bool) {
	secret, crcErr, err := s.bus.GenerateSecret(keyID)
	if err != nil {
		s.log.Warn("secret generation transport error", zap.String("key", keyID), zap.Error(err))
		return "", false
	}
	if crcErr {
		return "", false
	}
	return secret, true
}
