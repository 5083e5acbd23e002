package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/ledgerline/reconauth/internal/config"
	"github.com/ledgerline/reconauth/internal/database"
	"github.com/ledgerline/reconauth/internal/logger"
	"github.com/ledgerline/reconauth/internal/model"
	"github.com/ledgerline/reconauth/internal/repository"
)

const (
	defaultBackupCodeCount = 10
	backupCodeLength       = 8
	backupCodeCharset      = "0123456789abcdefghjkmnpqrstuvwxyz" // no i, l, o
)

// MFAService generates and verifies second factors: TOTP codes and
// single-use backup codes.
type MFAService struct {
	accounts AccountStore
	codes    BackupCodeStore
	rdb      *database.Redis
	cfg      config.MFAConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewMFAService creates a new MFAService
func NewMFAService(
	accounts AccountStore,
	codes BackupCodeStore,
	rdb *database.Redis,
	cfg config.MFAConfig,
	log *logger.Logger,
) *MFAService {
	if cfg.TOTP.Digits == 0 {
		cfg.TOTP.Digits = 6
	}
	if cfg.TOTP.Period <= 0 {
		cfg.TOTP.Period = 30
	}
	if cfg.TOTP.Skew < 0 {
		cfg.TOTP.Skew = 0
	}
	if cfg.TOTP.Issuer == "" {
		cfg.TOTP.Issuer = "Ledgerline"
	}
	if cfg.BackupCodes.Count <= 0 {
		cfg.BackupCodes.Count = defaultBackupCodeCount
	}
	return &MFAService{
		accounts: accounts,
		codes:    codes,
		rdb:      rdb,
		cfg:      cfg,
		log:      log.WithComponent("mfa_service"),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *MFAService) SetClock(now func() time.Time) {
	s.now = now
}

// GenerateSecret creates a fresh TOTP secret with its provisioning URI and
// QR code, plus a new set of plaintext backup codes.
func (s *MFAService) GenerateSecret(accountName string) (*model.MFAEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTP.Issuer,
		AccountName: accountName,
		Period:      uint(s.cfg.TOTP.Period),
		Digits:      otp.Digits(s.cfg.TOTP.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qrPNG, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	codes, err := generateBackupCodes(s.cfg.BackupCodes.Count)
	if err != nil {
		return nil, err
	}

	return &model.MFAEnrollment{
		Secret:      key.Secret(),
		URI:         key.URL(),
		QRCode:      base64.StdEncoding.EncodeToString(qrPNG),
		Issuer:      s.cfg.TOTP.Issuer,
		AccountName: accountName,
		BackupCodes: codes,
	}, nil
}

// VerifyCode checks code against secret for the time steps within the
// configured skew of at. An accepted code is claimed for its time step in
// Redis so it cannot be replayed. A Redis failure rejects the code.
func (s *MFAService) VerifyCode(ctx context.Context, tenantID, accountID, secret, code string, at time.Time) (bool, error) {
	code = strings.TrimSpace(code)
	if secret == "" || len(code) != s.cfg.TOTP.Digits {
		return false, nil
	}

	period := int64(s.cfg.TOTP.Period)
	opts := totp.ValidateOpts{
		Period:    uint(period),
		Digits:    otp.Digits(s.cfg.TOTP.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}

	matched := int64(-1)
	for i := -s.cfg.TOTP.Skew; i <= s.cfg.TOTP.Skew; i++ {
		t := at.Add(time.Duration(int64(i)*period) * time.Second)
		expected, err := totp.GenerateCodeCustom(secret, t, opts)
		if err != nil {
			return false, fmt.Errorf("failed to compute TOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && matched < 0 {
			matched = t.Unix() / period
		}
	}
	if matched < 0 {
		return false, nil
	}

	ttl := time.Duration(period*int64(2*s.cfg.TOTP.Skew+2)) * time.Second
	claimed, err := s.rdb.SetNX(ctx, usedCodeKey(tenantID, accountID, matched), "1", ttl).Result()
	if err != nil {
		return false, unavailable("claim TOTP step", err)
	}
	if !claimed {
		s.log.Warn().Str("account_id", accountID).Int64("step", matched).Msg("TOTP code replay rejected")
	}
	return claimed, nil
}

// ConsumeBackupCode marks a matching unused backup code as used. Only one
// caller can ever consume a given code.
func (s *MFAService) ConsumeBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	normalized := normalizeBackupCode(code)
	if len(normalized) != backupCodeLength {
		return false, nil
	}
	ok, err := s.codes.Consume(ctx, accountID, hashBackupCode(normalized), s.now())
	if err != nil {
		return false, unavailable("consume backup code", err)
	}
	if ok {
		s.log.Info().Str("account_id", accountID).Msg("backup code used")
	}
	return ok, nil
}

// VerifySecondFactor checks a TOTP code against the account's active secret,
// or, when no TOTP code is given, consumes a backup code.
func (s *MFAService) VerifySecondFactor(ctx context.Context, acct *model.Account, totpCode, backupCode string) (model.MFAMethodType, bool, error) {
	if strings.TrimSpace(totpCode) != "" {
		ok, err := s.VerifyCode(ctx, acct.TenantID, acct.ID, acct.MFASecret, totpCode, s.now())
		return model.MFAMethodTOTP, ok, err
	}
	if strings.TrimSpace(backupCode) != "" {
		ok, err := s.ConsumeBackupCode(ctx, acct.ID, backupCode)
		return model.MFAMethodBackupCode, ok, err
	}
	return "", false, nil
}

// Setup starts enrollment: a pending secret and fresh backup codes are
// stored, but MFA stays disabled until Enable confirms a code.
func (s *MFAService) Setup(ctx context.Context, tenantID, accountID string) (*model.MFAEnrollment, error) {
	acct, err := s.account(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if acct.MFAEnabled {
		return nil, ErrMFAAlreadyEnabled
	}

	enrollment, err := s.GenerateSecret(acct.Email)
	if err != nil {
		return nil, err
	}
	if err := s.codes.Replace(ctx, acct.ID, hashBackupCodes(acct.ID, enrollment.BackupCodes, s.now())); err != nil {
		return nil, unavailable("store backup codes", err)
	}
	if err := s.accounts.SetPendingMFASecret(ctx, tenantID, acct.ID, enrollment.Secret); err != nil {
		return nil, unavailable("store pending secret", err)
	}

	s.log.Info().Str("account_id", acct.ID).Msg("MFA setup initiated")
	return enrollment, nil
}

// Enable confirms the pending secret with a current code and turns MFA on.
func (s *MFAService) Enable(ctx context.Context, tenantID, accountID, code string) error {
	acct, err := s.account(ctx, tenantID, accountID)
	if err != nil {
		return err
	}
	if acct.MFAEnabled {
		return ErrMFAAlreadyEnabled
	}
	if acct.MFAPendingSecret == "" {
		return ErrMFANotPending
	}

	ok, err := s.VerifyCode(ctx, tenantID, acct.ID, acct.MFAPendingSecret, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrMFAInvalidCode
	}

	if err := s.accounts.EnableMFA(ctx, tenantID, acct.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMFANotPending
		}
		return unavailable("enable MFA", err)
	}

	s.log.Info().Str("account_id", acct.ID).Msg("MFA enabled")
	return nil
}

// Disable turns MFA off after a valid TOTP or backup code. The secret,
// backup codes and trusted devices are removed.
func (s *MFAService) Disable(ctx context.Context, acct *model.Account, totpCode, backupCode string) error {
	if !acct.MFAEnabled {
		return ErrMFANotEnabled
	}
	_, ok, err := s.VerifySecondFactor(ctx, acct, totpCode, backupCode)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMFAInvalidCode
	}
	if err := s.accounts.DisableMFA(ctx, acct.TenantID, acct.ID); err != nil {
		return unavailable("disable MFA", err)
	}

	s.log.Info().Str("account_id", acct.ID).Msg("MFA disabled")
	return nil
}

// RegenerateBackupCodes replaces every backup code of an MFA-enabled account
// after a valid TOTP code.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, tenantID, accountID, code string) ([]string, error) {
	acct, err := s.account(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	if !acct.MFAEnabled {
		return nil, ErrMFANotEnabled
	}
	ok, err := s.VerifyCode(ctx, tenantID, acct.ID, acct.MFASecret, code, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMFAInvalidCode
	}

	codes, err := generateBackupCodes(s.cfg.BackupCodes.Count)
	if err != nil {
		return nil, err
	}
	if err := s.codes.Replace(ctx, acct.ID, hashBackupCodes(acct.ID, codes, s.now())); err != nil {
		return nil, unavailable("store backup codes", err)
	}

	s.log.Info().Str("account_id", acct.ID).Int("count", len(codes)).Msg("backup codes regenerated")
	return codes, nil
}

// Status summarises the account's second-factor configuration.
func (s *MFAService) Status(ctx context.Context, tenantID, accountID string) (*model.MFAStatus, error) {
	acct, err := s.account(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	st := &model.MFAStatus{
		Enabled: acct.MFAEnabled,
		Pending: !acct.MFAEnabled && acct.MFAPendingSecret != "",
		Methods: []model.MFAMethodType{},
	}
	if !acct.MFAEnabled {
		return st, nil
	}

	remaining, err := s.codes.CountUnused(ctx, acct.ID)
	if err != nil {
		return nil, unavailable("count backup codes", err)
	}
	st.BackupCodesRemaining = remaining
	st.Methods = append(st.Methods, model.MFAMethodTOTP)
	if remaining > 0 {
		st.Methods = append(st.Methods, model.MFAMethodBackupCode)
	}
	return st, nil
}

// AvailableMethods lists the methods a login challenge can be answered with.
func (s *MFAService) AvailableMethods(ctx context.Context, accountID string) []string {
	methods := []string{string(model.MFAMethodTOTP)}
	n, err := s.codes.CountUnused(ctx, accountID)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to count backup codes")
		return methods
	}
	if n > 0 {
		methods = append(methods, string(model.MFAMethodBackupCode))
	}
	return methods
}

func (s *MFAService) account(ctx context.Context, tenantID, accountID string) (*model.Account, error) {
	acct, err := s.accounts.GetByID(ctx, tenantID, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, unavailable("load account", err)
	}
	return acct, nil
}

func usedCodeKey(tenantID, accountID string, step int64) string {
	return database.TenantKey("mfaused", tenantID, accountID, strconv.FormatInt(step, 10))
}

func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

func generateBackupCode() (string, error) {
	b := make([]byte, backupCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	code := make([]byte, backupCodeLength)
	for i := range code {
		code[i] = backupCodeCharset[int(b[i])%len(backupCodeCharset)]
	}
	return string(code[:4]) + "-" + string(code[4:]), nil
}

func hashBackupCodes(accountID string, plain []string, now time.Time) []*model.BackupCode {
	out := make([]*model.BackupCode, len(plain))
	for i, c := range plain {
		out[i] = &model.BackupCode{
			ID:        uuid.NewString(),
			AccountID: accountID,
			CodeHash:  hashBackupCode(normalizeBackupCode(c)),
			CreatedAt: now,
		}
	}
	return out
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func hashBackupCode(normalized string) string {
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])
}
