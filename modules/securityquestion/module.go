// Package securityquestion implements a recovery factor that protects one share
// of a threshold key with the answer to a set of security questions.
//
// The share is sealed with AES-256-GCM under argon2id(answer, salt || public key)
// and stored, together with the questions and the salt, in the general store of
// the key's metadata under ModuleName. Only one security-question share is active
// per key.
package securityquestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/tkey-engine/cryptoutils"
	"github.com/ruteri/tkey-engine/tkey"
)

// ModuleName is the general-store and tkey-store module name of the factor.
const ModuleName = string(tkey.KindSecurityQuestion)

const (
	answerItemID = "answer"
	answerField  = "answer"
)

// ErrAlreadyConfigured is returned by GenerateNewShare when a security-question
// share is already set; use ChangeQuestionAndAnswer instead.
var ErrAlreadyConfigured = fmt.Errorf("%w: security questions already set", tkey.ErrValidation)

// Module is the security-question recovery factor of one ThresholdKey.
type Module struct {
	key *tkey.ThresholdKey
	log *slog.Logger
}

var _ tkey.RecoveryFactor = (*Module)(nil)

// New returns the security-question factor of key. A nil log uses slog.Default.
func New(key *tkey.ThresholdKey, log *slog.Logger) *Module {
	if log == nil {
		log = slog.Default()
	}
	return &Module{key: key, log: log.With(slog.String("module", ModuleName))}
}

// Marker returns the general-store module name the factor keeps its record under.
func (m *Module) Marker() string {
	return ModuleName
}

// GenerateNewShare issues a new share of the key and stores it sealed under answer.
// The share stays resident on this instance.
func (m *Module) GenerateNewShare(ctx context.Context, questions, answer string) (tkey.ShareStore, error) {
	return m.GenerateNewShareStore(ctx, questions, answer)
}

// GenerateNewShareStore implements tkey.RecoveryFactor; see GenerateNewShare.
// The existing record is checked inside the key's mutation queue, so concurrent
// calls issue at most one share.
func (m *Module) GenerateNewShareStore(ctx context.Context, questions, answer string) (tkey.ShareStore, error) {
	if questions == "" || answer == "" {
		return tkey.ShareStore{}, fmt.Errorf("%w: questions and answer are required", tkey.ErrValidation)
	}

	ss, err := m.key.GenerateNewShareForModule(ctx, ModuleName, func(current *tkey.ModuleRecord, ss tkey.ShareStore) (tkey.ModuleRecord, error) {
		if current != nil {
			return tkey.ModuleRecord{}, ErrAlreadyConfigured
		}
		rec, err := m.seal(questions, answer, ss)
		if err != nil {
			return tkey.ModuleRecord{}, err
		}
		return tkey.ModuleRecord{SecurityQuestion: rec}, nil
	})
	if err != nil {
		return tkey.ShareStore{}, err
	}
	m.log.Info("security question share generated", slog.String("index", ss.IndexHex()))
	return ss, nil
}

// GetQuestions returns the questions the active share is protected by.
func (m *Module) GetQuestions() (string, error) {
	rec, err := m.record()
	if err != nil {
		return "", err
	}
	return rec.Questions, nil
}

// RecoverShare opens the stored share with answer. It does not input it. The
// answer is checked before whether the share is still live.
func (m *Module) RecoverShare(ctx context.Context, answer string) (tkey.ShareStore, error) {
	if err := ctx.Err(); err != nil {
		return tkey.ShareStore{}, err
	}
	rec, err := m.record()
	if err != nil {
		return tkey.ShareStore{}, err
	}
	ss, err := m.open(rec, answer)
	if err != nil {
		return tkey.ShareStore{}, err
	}
	if err := m.checkLive(rec, false); err != nil {
		return tkey.ShareStore{}, err
	}
	return ss, nil
}

// InputShare recovers the share with answer and makes it resident. A factor that
// was never configured, or whose share is already resident or was deleted, is
// reported through the outcome rather than as an error. A wrong answer fails
// with tkey.ErrCrypto in every case but the unconfigured one.
func (m *Module) InputShare(ctx context.Context, answer string) (tkey.InputOutcome, error) {
	return m.key.InputFactorShare(ctx, m, answer)
}

// ChangeQuestionAndAnswer re-seals the active share under a new answer. The
// share is re-derived from the resident shares, so the old answer is not needed.
func (m *Module) ChangeQuestionAndAnswer(ctx context.Context, questions, answer string) error {
	if questions == "" || answer == "" {
		return fmt.Errorf("%w: questions and answer are required", tkey.ErrValidation)
	}
	return m.reseal(ctx, answer, func(rec *tkey.SecurityQuestionRecord) (string, tkey.ShareStore, error) {
		ss, err := m.key.DeriveShareStore(rec.ShareIndex)
		return questions, ss, err
	})
}

// ChangeSecret re-seals the active share under newAnswer, proving knowledge of
// oldAnswer. The questions are kept.
func (m *Module) ChangeSecret(ctx context.Context, oldAnswer, newAnswer string) error {
	if newAnswer == "" {
		return fmt.Errorf("%w: answer is required", tkey.ErrValidation)
	}
	return m.reseal(ctx, newAnswer, func(rec *tkey.SecurityQuestionRecord) (string, tkey.ShareStore, error) {
		ss, err := m.open(rec, oldAnswer)
		return rec.Questions, ss, err
	})
}

// StoreAnswer caches answer in the encrypted tkey store.
func (m *Module) StoreAnswer(ctx context.Context, answer string) error {
	_, err := m.key.SetTkeyStoreItem(ctx, ModuleName, answerItemID, tkey.Record{answerField: tkey.Strings(answer)})
	return err
}

// GetAnswer returns the answer cached by StoreAnswer. It requires the
// reconstructed key and never looks at the sealed share.
func (m *Module) GetAnswer() (string, error) {
	item, err := m.key.GetTkeyStoreItem(ModuleName, answerItemID)
	if err != nil {
		return "", err
	}
	answer, ok := item.Data.First(answerField)
	if !ok {
		return "", fmt.Errorf("%w: cached answer", tkey.ErrEmptyRecord)
	}
	return answer, nil
}

// StoreMarker implements tkey.RecoveryFactor; see StoreAnswer.
func (m *Module) StoreMarker(ctx context.Context, value string) error {
	return m.StoreAnswer(ctx, value)
}

// GetMarker implements tkey.RecoveryFactor; see GetAnswer.
func (m *Module) GetMarker() (string, error) {
	return m.GetAnswer()
}

func (m *Module) record() (*tkey.SecurityQuestionRecord, error) {
	rec, err := m.key.GetGeneralStoreRecord(ModuleName)
	if errors.Is(err, tkey.ErrNotFound) {
		return nil, tkey.ErrRecoveryFactorNotSet
	}
	if err != nil {
		return nil, err
	}
	return securityQuestion(&rec)
}

func securityQuestion(rec *tkey.ModuleRecord) (*tkey.SecurityQuestionRecord, error) {
	if rec == nil {
		return nil, tkey.ErrRecoveryFactorNotSet
	}
	if rec.SecurityQuestion == nil {
		return nil, fmt.Errorf("%w: %s record has kind %s", tkey.ErrFormat, ModuleName, rec.Kind())
	}
	return rec.SecurityQuestion, nil
}

// checkLive fails with ErrRecoveryShareConsumed when the sealed share is not an
// issued share of the latest polynomial, or, unless allowResident, is already resident.
func (m *Module) checkLive(rec *tkey.SecurityQuestionRecord, allowResident bool) error {
	meta, err := m.key.GetCurrentMetadata()
	if err != nil {
		return err
	}
	latest, err := meta.LatestPoly()
	if err != nil {
		return err
	}
	if rec.PolyID != latest.ID || !latest.HasIndex(rec.ShareIndex) {
		return tkey.ErrRecoveryShareConsumed
	}
	if allowResident {
		return nil
	}
	shares, err := m.key.GetShares()
	if err != nil {
		return err
	}
	if _, ok := shares.Get(latest.ID, rec.ShareIndex); ok {
		return tkey.ErrRecoveryShareConsumed
	}
	return nil
}

func (m *Module) secretKey(answer string, salt []byte) ([]byte, error) {
	details, err := m.key.GetKeyDetails()
	if err != nil {
		return nil, err
	}
	return cryptoutils.DeriveSecretKey([]byte(answer), salt, details.PubKey.Compressed()), nil
}

func (m *Module) seal(questions, answer string, ss tkey.ShareStore) (*tkey.SecurityQuestionRecord, error) {
	salt, err := cryptoutils.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tkey.ErrCrypto, err)
	}
	secret, err := m.secretKey(answer, salt)
	if err != nil {
		return nil, err
	}
	encoded, err := tkey.EncodeShareStore(m.key.Curve(), ss, tkey.TransportHex)
	if err != nil {
		return nil, err
	}
	sealed, err := cryptoutils.Seal(secret, []byte(encoded), []byte(ss.IndexHex()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tkey.ErrCrypto, err)
	}
	return &tkey.SecurityQuestionRecord{
		Questions:   questions,
		Salt:        salt,
		SealedShare: sealed,
		ShareIndex:  ss.IndexHex(),
		PolyID:      ss.PolyID,
	}, nil
}

func (m *Module) open(rec *tkey.SecurityQuestionRecord, answer string) (tkey.ShareStore, error) {
	secret, err := m.secretKey(answer, rec.Salt)
	if err != nil {
		return tkey.ShareStore{}, err
	}
	plain, err := cryptoutils.Open(secret, rec.SealedShare, []byte(rec.ShareIndex))
	if err != nil {
		return tkey.ShareStore{}, fmt.Errorf("%w: wrong answer: %w", tkey.ErrCrypto, err)
	}
	ss, err := tkey.DecodeShareStore(m.key.Curve(), string(plain), tkey.TransportHex)
	if err != nil {
		return tkey.ShareStore{}, err
	}
	if ss.IndexHex() != rec.ShareIndex || ss.PolyID != rec.PolyID {
		return tkey.ShareStore{}, fmt.Errorf("%w: sealed share does not match its record", tkey.ErrFormat)
	}
	return ss, nil
}

// reseal seals the share that derive returns for the current record under
// answer. The record is read and replaced within one mutation of the key.
func (m *Module) reseal(ctx context.Context, answer string, derive func(*tkey.SecurityQuestionRecord) (string, tkey.ShareStore, error)) error {
	var index string
	err := m.key.UpdateGeneralStoreRecord(ctx, ModuleName, func(current *tkey.ModuleRecord) (tkey.ModuleRecord, error) {
		rec, err := securityQuestion(current)
		if err != nil {
			return tkey.ModuleRecord{}, err
		}
		if err := m.checkLive(rec, true); err != nil {
			return tkey.ModuleRecord{}, err
		}
		questions, ss, err := derive(rec)
		if err != nil {
			return tkey.ModuleRecord{}, err
		}
		sealed, err := m.seal(questions, answer, ss)
		if err != nil {
			return tkey.ModuleRecord{}, err
		}
		index = ss.IndexHex()
		return tkey.ModuleRecord{SecurityQuestion: sealed}, nil
	})
	if err != nil {
		return err
	}
	m.log.Info("security question share re-sealed", slog.String("index", index))
	return nil
}
