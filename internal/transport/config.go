package transport

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Method selects a transport variant
type Method string

const (
	MethodAPI      Method = "api"
	MethodSMTP     Method = "smtp"
	MethodRotating Method = "rotating"
)

// SMTPMode selects how a single SMTP relay is reached
type SMTPMode string

const (
	// ModeLocalhost delivers through localhost:25 without authentication
	ModeLocalhost SMTPMode = "localhost"
	// ModeRelay delivers through a configured relay with credentials
	ModeRelay SMTPMode = "smtp"
)

// DefaultSMTPPort is used when a credential has no port
const DefaultSMTPPort = 587

// Credential is one SMTP login
type Credential struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Addr returns host:port
func (c Credential) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultSMTPPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Label identifies a credential in logs and status rows without the secret
func (c Credential) Label() string {
	if c.Username == "" {
		return c.Addr()
	}
	return c.Username + "@" + c.Addr()
}

// Config is one of APIConfig, SMTPConfig or RotatingConfig
type Config interface {
	Method() Method
	Validate() error
	// Redacted returns a copy without secrets
	Redacted() Config
}

// APIConfig sends through the HTTP email API with a single key
type APIConfig struct {
	APIKey string `json:"apiKey"`
}

func (APIConfig) Method() Method { return MethodAPI }

func (c APIConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return configError("api key is required")
	}
	return nil
}

func (c APIConfig) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = redacted
	}
	return c
}

// SMTPConfig sends through one SMTP relay
type SMTPConfig struct {
	Mode       SMTPMode   `json:"mode"`
	Credential Credential `json:"credential"`
}

func (SMTPConfig) Method() Method { return MethodSMTP }

func (c SMTPConfig) Validate() error {
	switch c.Mode {
	case ModeLocalhost:
		return nil
	case ModeRelay:
		return validateCredential(c.Credential, 0)
	}
	return configError("unknown smtp mode %q", c.Mode)
}

func (c SMTPConfig) Redacted() Config {
	c.Credential = c.Credential.redacted()
	return c
}

// RotatingConfig cycles through an ordered set of SMTP credentials
type RotatingConfig struct {
	Credentials []Credential `json:"credentials"`
}

func (RotatingConfig) Method() Method { return MethodRotating }

func (c RotatingConfig) Validate() error {
	if len(c.Credentials) == 0 {
		return configError("rotating smtp requires at least one credential")
	}
	for i, cred := range c.Credentials {
		if err := validateCredential(cred, i+1); err != nil {
			return err
		}
	}
	return nil
}

func (c RotatingConfig) Redacted() Config {
	creds := make([]Credential, len(c.Credentials))
	for i, cred := range c.Credentials {
		creds[i] = cred.redacted()
	}
	return RotatingConfig{Credentials: creds}
}

const redacted = "********"

func (c Credential) redacted() Credential {
	if c.Password != "" {
		c.Password = redacted
	}
	return c
}

func validateCredential(c Credential, n int) error {
	where := "smtp"
	if n > 0 {
		where = fmt.Sprintf("credential %d", n)
	}
	if strings.TrimSpace(c.Host) == "" {
		return configError("%s: host is required", where)
	}
	if c.Port < 0 || c.Port > 65535 {
		return configError("%s: invalid port %d", where, c.Port)
	}
	if c.Username != "" && c.Password == "" {
		return configError("%s: password is required when username is set", where)
	}
	return nil
}

// Fields is the flat transport part of a campaign creation request
type Fields struct {
	SendMethod   string       `json:"sendMethod"`
	APIKey       string       `json:"apiKey,omitempty"`
	SMTPMode     string       `json:"smtpMode,omitempty"`
	SMTPHost     string       `json:"smtpHost,omitempty"`
	SMTPPort     int          `json:"smtpPort,omitempty"`
	SMTPUsername string       `json:"smtpUsername,omitempty"`
	SMTPPassword string       `json:"smtpPassword,omitempty"`
	RotateSMTP   bool         `json:"rotateSmtp"`
	Credentials  []Credential `json:"smtpCredentials,omitempty"`
}

// FromFields builds the transport variant a request describes. The result
// still has to be validated.
func FromFields(f Fields) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(f.SendMethod)) {
	case "", string(MethodAPI):
		return APIConfig{APIKey: f.APIKey}, nil
	case string(MethodSMTP):
	default:
		return nil, configError("unknown send method %q", f.SendMethod)
	}

	if f.RotateSMTP {
		return RotatingConfig{Credentials: f.Credentials}, nil
	}

	mode := SMTPMode(strings.ToLower(strings.TrimSpace(f.SMTPMode)))
	if mode == "" {
		mode = ModeLocalhost
	}
	if mode == ModeLocalhost {
		return SMTPConfig{Mode: ModeLocalhost}, nil
	}

	cred := Credential{
		Host:     f.SMTPHost,
		Port:     f.SMTPPort,
		Username: f.SMTPUsername,
		Password: f.SMTPPassword,
	}
	if cred.Host == "" && len(f.Credentials) > 0 {
		cred = f.Credentials[0]
	}
	return SMTPConfig{Mode: mode, Credential: cred}, nil
}

// Identity names the account a config sends through, for quota keys and
// logs. It never contains a secret.
func Identity(cfg Config) string {
	switch c := cfg.(type) {
	case APIConfig:
		sum := sha256.Sum256([]byte(c.APIKey))
		return "api:" + hex.EncodeToString(sum[:4])
	case SMTPConfig:
		if c.Mode == ModeLocalhost {
			return "smtp:localhost"
		}
		return "smtp:" + c.Credential.Label()
	case RotatingConfig:
		labels := make([]string, len(c.Credentials))
		for i, cred := range c.Credentials {
			labels[i] = cred.Label()
		}
		return "rotating:" + strings.Join(labels, ",")
	default:
		return ""
	}
}

// Spec wraps a Config for JSON persistence as a tagged object
type Spec struct {
	Config Config
}

type specJSON struct {
	Method      Method       `json:"method"`
	APIKey      string       `json:"apiKey,omitempty"`
	Mode        SMTPMode     `json:"mode,omitempty"`
	Credential  *Credential  `json:"credential,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
}

func (s Spec) MarshalJSON() ([]byte, error) {
	var out specJSON
	switch c := s.Config.(type) {
	case nil:
		return []byte("null"), nil
	case APIConfig:
		out = specJSON{Method: MethodAPI, APIKey: c.APIKey}
	case SMTPConfig:
		cred := c.Credential
		out = specJSON{Method: MethodSMTP, Mode: c.Mode, Credential: &cred}
	case RotatingConfig:
		out = specJSON{Method: MethodRotating, Credentials: c.Credentials}
	default:
		return nil, fmt.Errorf("unsupported transport config %T", s.Config)
	}
	return json.Marshal(out)
}

func (s *Spec) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.Config = nil
		return nil
	}

	var in specJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	switch in.Method {
	case MethodAPI:
		s.Config = APIConfig{APIKey: in.APIKey}
	case MethodSMTP:
		c := SMTPConfig{Mode: in.Mode}
		if in.Credential != nil {
			c.Credential = *in.Credential
		}
		s.Config = c
	case MethodRotating:
		s.Config = RotatingConfig{Credentials: in.Credentials}
	default:
		return fmt.Errorf("unknown transport method %q", in.Method)
	}
	return nil
}

// ParseCredentials reads a credentials file: one host,port,username,password
// per line. Blank lines and # comments are skipped; an empty port means 587.
func ParseCredentials(text string) ([]Credential, error) {
	var creds []Credential
	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ",", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("line %d: expected host,port,username,password", lineNo)
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		port := DefaultSMTPPort
		if parts[1] != "" {
			p, err := strconv.Atoi(parts[1])
			if err != nil || p <= 0 || p > 65535 {
				return nil, fmt.Errorf("line %d: invalid port %q", lineNo, parts[1])
			}
			port = p
		}
		if parts[0] == "" {
			return nil, fmt.Errorf("line %d: host is required", lineNo)
		}

		creds = append(creds, Credential{
			Host:     parts[0],
			Port:     port,
			Username: parts[2],
			Password: parts[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return creds, nil
}
