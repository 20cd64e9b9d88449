package rp

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AuthMethod is the client-authentication variant negotiated with the
// authorization server. It is resolved once at startup; the two methods
// are mutually exclusive.
type AuthMethod string

const (
	AuthMethodPrivateKeyJWT AuthMethod = "private_key_jwt"
	AuthMethodTLSClientAuth AuthMethod = "tls_client_auth"
)

// PaymentConfig is the fixed shape of the payment-initiation intent lodged
// with the resource server before authorization starts.
type PaymentConfig struct {
	Amount         string `yaml:"amount"`
	Currency       string `yaml:"currency"`
	CreditorName   string `yaml:"creditor_name"`
	CreditorIBAN   string `yaml:"creditor_iban"`
	RemittanceInfo string `yaml:"remittance_info"`
}

type Config struct {
	Issuer          string        `yaml:"issuer" validate:"required"`
	ClientID        string        `yaml:"client_id" validate:"required"`
	RedirectURI     string        `yaml:"redirect_uri" validate:"required"`
	Scope           string        `yaml:"scope" validate:"required"`
	AuthMethod      AuthMethod    `yaml:"auth_method" validate:"required,oneof=private_key_jwt tls_client_auth"`
	CertBoundTokens bool          `yaml:"cert_bound_tokens"`
	SigningKeyPath  string        `yaml:"signing_key_path"`
	ClientCertPath  string        `yaml:"client_cert_path"`
	ClientKeyPath   string        `yaml:"client_key_path"`
	ResourceBase    string        `yaml:"resource_base" validate:"required"`
	TenantURL       string        `yaml:"tenant_url" validate:"required"`
	PostLogoutURI   string        `yaml:"post_logout_uri"`
	HomePath        string        `yaml:"home_path"`
	FrameAncestors  string        `yaml:"frame_ancestors"`
	Payment         PaymentConfig `yaml:"payment"`
}

func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	var cfg Config
	err = yaml.Unmarshal(yamlData, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file '%s': %w", path, err)
	}

	cfg.applyDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.checkAuthMaterial(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.HomePath == "" {
		cfg.HomePath = "/"
	}
	if cfg.Payment.Amount == "" {
		cfg.Payment = PaymentConfig{
			Amount:         "123.50",
			Currency:       "EUR",
			CreditorName:   "Merchant A",
			CreditorIBAN:   "DE02100100109307118603",
			RemittanceInfo: "Ref Number Merchant",
		}
	}
}

// The selected authentication method dictates which key material must be
// present. Signed assertions need the signing key; mutual TLS and
// certificate-bound tokens need the certificate pair.
func (cfg *Config) checkAuthMaterial() error {
	if cfg.AuthMethod == AuthMethodPrivateKeyJWT && cfg.SigningKeyPath == "" {
		return fmt.Errorf("auth_method %s requires signing_key_path", cfg.AuthMethod)
	}
	needsCert := cfg.AuthMethod == AuthMethodTLSClientAuth || cfg.CertBoundTokens
	if needsCert && (cfg.ClientCertPath == "" || cfg.ClientKeyPath == "") {
		return fmt.Errorf("client_cert_path and client_key_path are required for mutual TLS")
	}
	return nil
}
