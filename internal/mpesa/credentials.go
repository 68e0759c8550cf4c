package mpesa

import (
	"context"
	"fmt"

	"mpesa-service/config"
	"mpesa-service/internal/apperr"
	"mpesa-service/internal/audit"
	"mpesa-service/internal/util"

	"go.uber.org/zap"
)

// Decrypter opens secrets stored at rest.
type Decrypter interface {
	DecryptValidated(value string) (string, error)
}

// AuditLogger records credential access.
type AuditLogger interface {
	LogEvent(ctx context.Context, e audit.Event) error
}

// LoadCredentials resolves Daraja secrets from config. A secret given in its
// *_ENC form takes precedence over the plaintext variable and requires dec.
func LoadCredentials(ctx context.Context, cfg config.MpesaConfig, dec Decrypter, al AuditLogger) (Credentials, error) {
	creds := Credentials{
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		ShortCode:      cfg.ShortCode,
		Passkey:        cfg.Passkey,
	}

	var err error
	if cfg.ConsumerSecretEnc != "" {
		creds.ConsumerSecret, err = openSecret(ctx, "MPESA_CONSUMER_SECRET", cfg.ConsumerSecretEnc, cfg.Environment, dec, al)
		if err != nil {
			return Credentials{}, err
		}
	}
	if cfg.PasskeyEnc != "" {
		creds.Passkey, err = openSecret(ctx, "MPESA_PASSKEY", cfg.PasskeyEnc, cfg.Environment, dec, al)
		if err != nil {
			return Credentials{}, err
		}
	}
	return creds, nil
}

func openSecret(ctx context.Context, name, ciphertext, env string, dec Decrypter, al AuditLogger) (string, error) {
	if dec == nil {
		return "", apperr.Crypto("mpesa.LoadCredentials", fmt.Errorf("%s_ENC is set but no master key is configured", name))
	}

	plaintext, err := dec.DecryptValidated(ciphertext)

	outcome, severity := "success", audit.SeverityInfo
	if err != nil {
		outcome, severity = "failure", audit.SeverityError
	}
	if al != nil {
		event := audit.Event{
			EventType:   audit.EventCredentialsAccessed,
			Category:    audit.CategorySecurity,
			Severity:    severity,
			Environment: env,
			Data: audit.SecurityData{
				Reason:   "gateway credential decrypted at startup",
				Resource: name,
				Outcome:  outcome,
			},
		}
		if logErr := al.LogEvent(ctx, event); logErr != nil {
			util.GetLogger().Warn("Failed to audit credential access", zap.String("resource", name), zap.Error(logErr))
		}
	}

	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}
