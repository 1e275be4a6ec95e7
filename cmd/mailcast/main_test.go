package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestTransportFlags(t *testing.T) {
	creds := writeFile(t, "creds.txt", "# pool\nsmtp1.example.com,587,a@example.com,pw1\nsmtp2.example.com,,b@example.com,pw2\n")

	t.Run("api", func(t *testing.T) {
		f := transportFlags{method: "api", apiKey: "re_123"}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		if cfg.Method() != transport.MethodAPI {
			t.Errorf("expected api method, got %s", cfg.Method())
		}
	})

	t.Run("api key from env", func(t *testing.T) {
		t.Setenv("MAILCAST_API_KEY", "re_env")
		f := transportFlags{method: "api"}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		if got := cfg.(transport.APIConfig).APIKey; got != "re_env" {
			t.Errorf("expected key from environment, got %q", got)
		}
	})

	t.Run("api without key", func(t *testing.T) {
		t.Setenv("MAILCAST_API_KEY", "")
		f := transportFlags{method: "api"}
		if _, err := f.config(); err == nil {
			t.Error("expected error without api key")
		}
	})

	t.Run("relay", func(t *testing.T) {
		f := transportFlags{method: "smtp", smtpMode: "smtp", smtpHost: "smtp.example.com", smtpPort: 2525, smtpUser: "u", smtpPass: "p"}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		sc, ok := cfg.(transport.SMTPConfig)
		if !ok {
			t.Fatalf("expected SMTPConfig, got %T", cfg)
		}
		if sc.Credential.Host != "smtp.example.com" || sc.Credential.Port != 2525 {
			t.Errorf("unexpected credential %+v", sc.Credential)
		}
	})

	t.Run("host implies relay", func(t *testing.T) {
		f := transportFlags{method: "smtp", smtpHost: "smtp.example.com", smtpPort: 587}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		if sc := cfg.(transport.SMTPConfig); sc.Mode != transport.ModeRelay {
			t.Errorf("expected relay mode, got %s", sc.Mode)
		}
	})

	t.Run("localhost", func(t *testing.T) {
		f := transportFlags{method: "smtp"}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		if sc := cfg.(transport.SMTPConfig); sc.Mode != transport.ModeLocalhost {
			t.Errorf("expected localhost mode, got %s", sc.Mode)
		}
	})

	t.Run("rotating", func(t *testing.T) {
		f := transportFlags{method: "smtp", rotate: true, credentialsFile: creds}
		cfg, err := f.config()
		if err != nil {
			t.Fatalf("config() error = %v", err)
		}
		rc, ok := cfg.(transport.RotatingConfig)
		if !ok {
			t.Fatalf("expected RotatingConfig, got %T", cfg)
		}
		if len(rc.Credentials) != 2 {
			t.Fatalf("expected 2 credentials, got %d", len(rc.Credentials))
		}
		if rc.Credentials[1].Port != transport.DefaultSMTPPort {
			t.Errorf("expected default port, got %d", rc.Credentials[1].Port)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		f := transportFlags{method: "pigeon"}
		if _, err := f.config(); err == nil {
			t.Error("expected error for unknown method")
		}
	})

	t.Run("missing credentials file", func(t *testing.T) {
		f := transportFlags{method: "smtp", rotate: true, credentialsFile: filepath.Join(t.TempDir(), "nope")}
		if _, err := f.config(); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestContentFlagsLoad(t *testing.T) {
	html := writeFile(t, "body.html", "<p>Hi {firstname}</p>")
	subjects := writeFile(t, "subjects.txt", "Hello {firstname}\n\nNews for {company}\n")

	f := contentFlags{htmlFile: html, subjectsFile: subjects, subjects: []string{"First"}}
	body, subs, err := f.load()
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if body != "<p>Hi {firstname}</p>" {
		t.Errorf("unexpected body %q", body)
	}
	want := []string{"First", "Hello {firstname}", "News for {company}"}
	if strings.Join(subs, "|") != strings.Join(want, "|") {
		t.Errorf("subjects = %v, want %v", subs, want)
	}

	if _, _, err := (&contentFlags{}).load(); err == nil {
		t.Error("expected error without --html")
	}
}

func TestLocalConfig(t *testing.T) {
	cfgFile = ""
	db := filepath.Join(t.TempDir(), "local.db")

	cfg, err := localConfig(db)
	if err != nil {
		t.Fatalf("localConfig() error = %v", err)
	}
	if cfg.Storage.Path != db {
		t.Errorf("expected storage path %s, got %s", db, cfg.Storage.Path)
	}
	if cfg.Storage.Driver != "bolt" {
		t.Errorf("expected bolt driver, got %s", cfg.Storage.Driver)
	}

	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { cfgFile = "" }()
	if _, err := localConfig(db); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestPrintProgress(t *testing.T) {
	events := make(chan broadcast.Event, 8)
	events <- broadcast.Log(7, broadcast.LogInfo, "Sending to ann@example.com")
	events <- broadcast.Log(8, broadcast.LogInfo, "other campaign")
	events <- broadcast.Event{Type: broadcast.EventProgress, CampaignID: 7, Counts: &broadcast.Counts{Total: 2, Sent: 1, Failed: 0}}
	events <- broadcast.Event{Type: broadcast.EventRunComplete, CampaignID: 7}
	events <- broadcast.Log(7, broadcast.LogInfo, "after completion")

	var buf bytes.Buffer
	printProgress(&buf, 7, events)

	out := buf.String()
	if !strings.Contains(out, "[info] Sending to ann@example.com") {
		t.Errorf("missing log line: %q", out)
	}
	if !strings.Contains(out, "1/2 sent, 0 failed") {
		t.Errorf("missing progress line: %q", out)
	}
	if strings.Contains(out, "other campaign") || strings.Contains(out, "after completion") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &campaign.Campaign{
		ID:             3,
		Status:         campaign.StatusCompleted,
		RecipientCount: 5,
		Sent:           2,
		Success:        2,
		Cancelled:      true,
	})

	out := buf.String()
	for _, want := range []string{"Campaign 3 completed", "Recipients: 5", "Success:    2", "Cancelled"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRecords(t *testing.T) {
	records, errs := recipient.Collect(recipient.SourceFromString("ann@example.com|plan=pro\nnot-an-address\nbob@example.com\n"))

	var buf bytes.Buffer
	printRecords(&buf, records, errs)

	out := buf.String()
	if !strings.Contains(out, "plan=pro") {
		t.Errorf("missing fields column: %q", out)
	}
	if !strings.Contains(out, "2 valid, 1 skipped") {
		t.Errorf("missing totals: %q", out)
	}

	var me *recipient.MalformedError
	if len(errs) != 1 || !errors.As(errs[0], &me) {
		t.Fatalf("expected one malformed line, got %v", errs)
	}
}

func TestPrintVariables(t *testing.T) {
	var buf bytes.Buffer
	printVariables(&buf)

	out := buf.String()
	for _, want := range []string{"VARIABLE", "{firstname}", "{unsubscribe}", "{random_number}"} {
		if !strings.Contains(out, want) {
			t.Errorf("variables output missing %q", want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "config", "version", "send", "test-email", "parse", "variables", "dkim"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestPrintDKIMRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.com.key")
	signer, err := transport.GenerateSigner(path, "example.com", "mailcast")
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}

	var buf bytes.Buffer
	if err := printDKIMRecord(&buf, signer); err != nil {
		t.Fatalf("printDKIMRecord() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Name: mailcast._domainkey.example.com") {
		t.Errorf("missing record name: %q", out)
	}
	if !strings.Contains(out, "Value: v=DKIM1; k=rsa; p=") {
		t.Errorf("missing record value: %q", out)
	}
}
