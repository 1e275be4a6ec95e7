package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/foxzi/mailcast/internal/app"
	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/config"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

// transportFlags are the transport options shared by send and test-email
type transportFlags struct {
	method          string
	apiKey          string
	smtpMode        string
	smtpHost        string
	smtpPort        int
	smtpUser        string
	smtpPass        string
	rotate          bool
	credentialsFile string
}

func (f *transportFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.method, "method", "api", "Send method: api or smtp")
	fs.StringVar(&f.apiKey, "api-key", "", "Email API key (default $MAILCAST_API_KEY)")
	fs.StringVar(&f.smtpMode, "smtp-mode", "", "SMTP mode: localhost or smtp (relay); default smtp when --smtp-host is set")
	fs.StringVar(&f.smtpHost, "smtp-host", "", "Relay SMTP host")
	fs.IntVar(&f.smtpPort, "smtp-port", transport.DefaultSMTPPort, "Relay SMTP port")
	fs.StringVar(&f.smtpUser, "smtp-user", "", "Relay SMTP username")
	fs.StringVar(&f.smtpPass, "smtp-pass", "", "Relay SMTP password (default $MAILCAST_SMTP_PASSWORD)")
	fs.BoolVar(&f.rotate, "rotate", false, "Rotate over the accounts in --smtp-credentials")
	fs.StringVar(&f.credentialsFile, "smtp-credentials", "", "File with host,port,username,password per line")
}

// config builds the transport variant the flags describe
func (f *transportFlags) config() (transport.Config, error) {
	mode := f.smtpMode
	if mode == "" && f.smtpHost != "" {
		mode = string(transport.ModeRelay)
	}

	fields := transport.Fields{
		SendMethod:   f.method,
		APIKey:       f.apiKey,
		SMTPMode:     mode,
		SMTPHost:     f.smtpHost,
		SMTPPort:     f.smtpPort,
		SMTPUsername: f.smtpUser,
		SMTPPassword: f.smtpPass,
		RotateSMTP:   f.rotate,
	}
	if fields.APIKey == "" {
		fields.APIKey = os.Getenv("MAILCAST_API_KEY")
	}
	if fields.SMTPPassword == "" {
		fields.SMTPPassword = os.Getenv("MAILCAST_SMTP_PASSWORD")
	}

	if f.credentialsFile != "" {
		data, err := os.ReadFile(f.credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds, err := transport.ParseCredentials(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid credentials file: %w", err)
		}
		fields.Credentials = creds
	}

	cfg, err := transport.FromFields(fields)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// contentFlags are the message options shared by send and test-email
type contentFlags struct {
	htmlFile     string
	subjectsFile string
	subjects     []string
	fromName     string
	fromEmail    string
}

func (f *contentFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.htmlFile, "html", "", "HTML body template file (required)")
	fs.StringVar(&f.subjectsFile, "subjects", "", "File with one subject per line")
	fs.StringArrayVar(&f.subjects, "subject", nil, "Subject line, may be repeated")
	fs.StringVar(&f.fromName, "from-name", "Email Support", "Sender display name")
	fs.StringVar(&f.fromEmail, "from", "", "Sender address (required)")
}

// load reads the body template and the subject list
func (f *contentFlags) load() (string, []string, error) {
	if f.htmlFile == "" {
		return "", nil, fmt.Errorf("--html is required")
	}
	html, err := os.ReadFile(f.htmlFile)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read template: %w", err)
	}

	subjects := append([]string(nil), f.subjects...)
	if f.subjectsFile != "" {
		data, err := os.ReadFile(f.subjectsFile)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read subjects: %w", err)
		}
		subjects = append(subjects, merge.ParseSubjects(string(data))...)
	}
	return string(html), subjects, nil
}

var (
	sendTransport  transportFlags
	sendContent    contentFlags
	sendName       string
	sendRecipients string
	sendSpeed      int
	sendDedupe     bool
	sendDB         string
	sendQuiet      bool
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run a campaign from local files and wait for it to finish",
	Long: `Create a campaign from a template and a recipient list and send it in
the foreground. Without -c the campaign is recorded in a local bolt file.`,
	RunE: runSend,
}

var (
	testTransport transportFlags
	testContent   contentFlags
	testTo        string
)

var testEmailCmd = &cobra.Command{
	Use:   "test-email",
	Short: "Send one personalized test message",
	RunE:  runTestEmail,
}

func init() {
	sendTransport.register(sendCmd.Flags())
	sendContent.register(sendCmd.Flags())
	sendCmd.Flags().StringVar(&sendName, "name", "", "Campaign name")
	sendCmd.Flags().StringVar(&sendRecipients, "recipients", "", "Recipient list file (required)")
	sendCmd.Flags().IntVar(&sendSpeed, "speed", 10, "Messages per second")
	sendCmd.Flags().BoolVar(&sendDedupe, "dedupe", false, "Drop repeated addresses")
	sendCmd.Flags().StringVar(&sendDB, "db", "mailcast.db", "Campaign database file when no config is given")
	sendCmd.Flags().BoolVarP(&sendQuiet, "quiet", "q", false, "Only print the final summary")
	sendCmd.MarkFlagRequired("recipients")

	testTransport.register(testEmailCmd.Flags())
	testContent.register(testEmailCmd.Flags())
	testEmailCmd.Flags().StringVar(&testTo, "to", "", "Recipient line, e.g. \"ann@example.com|plan=pro\" (required)")
	testEmailCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(sendCmd, testEmailCmd)
}

// localConfig loads -c when given, otherwise a quiet default config
// backed by dbPath
func localConfig(dbPath string) (*config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}

	cfg := config.Default()
	cfg.Storage.Path = dbPath
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "text"
	return cfg, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	tcfg, err := sendTransport.config()
	if err != nil {
		return err
	}
	html, subjects, err := sendContent.load()
	if err != nil {
		return err
	}

	records, errs := recipient.Collect(recipient.SourceFromFile(sendRecipients))
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", e)
	}
	if sendDedupe {
		records = recipient.Dedupe(records)
	}

	cfg, err := localConfig(sendDB)
	if err != nil {
		return err
	}
	// Ctrl-C stops the run after in-flight sends
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(context.Background())

	manager := application.Manager()
	c, err := manager.Create(ctx, campaign.Request{
		Name:       sendName,
		FromName:   sendContent.fromName,
		FromEmail:  sendContent.fromEmail,
		Transport:  tcfg,
		SendSpeed:  sendSpeed,
		Subjects:   subjects,
		HTML:       html,
		Recipients: records,
	})
	if err != nil {
		return fmt.Errorf("campaign rejected: %w", err)
	}
	for _, w := range c.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	fmt.Printf("Campaign %d: sending to %d recipients via %s\n", c.ID, c.RecipientCount, c.Method())

	var sub *broadcast.Subscription
	done := make(chan struct{})
	if sendQuiet {
		close(done)
	} else {
		sub = application.Broadcaster().Subscribe(0)
		go func() {
			defer close(done)
			printProgress(os.Stdout, c.ID, sub.C)
		}()
	}

	final, err := manager.Run(ctx, c.ID)
	if sub != nil {
		// buffered events are still drained after Close
		sub.Close()
	}
	<-done
	if err != nil {
		return fmt.Errorf("campaign %d failed: %w", c.ID, err)
	}
	printSummary(os.Stdout, final)
	return nil
}

// printProgress writes the events of one campaign until it completes
func printProgress(w io.Writer, id uint64, events <-chan broadcast.Event) {
	for e := range events {
		if e.CampaignID != id {
			continue
		}
		switch e.Type {
		case broadcast.EventLog:
			fmt.Fprintf(w, "[%s] %s\n", e.LogType, e.Message)
		case broadcast.EventProgress:
			if e.Counts != nil {
				fmt.Fprintf(w, "  %d/%d sent, %d failed\n", e.Sent, e.Total, e.Failed)
			}
		case broadcast.EventRunComplete:
			return
		}
	}
}

func printSummary(w io.Writer, c *campaign.Campaign) {
	fmt.Fprintf(w, "\nCampaign %d %s\n", c.ID, c.Status)
	fmt.Fprintf(w, "  Recipients: %d\n", c.RecipientCount)
	fmt.Fprintf(w, "  Sent:       %d\n", c.Sent)
	fmt.Fprintf(w, "  Success:    %d\n", c.Success)
	fmt.Fprintf(w, "  Failed:     %d\n", c.Failed)
	if c.Cancelled {
		fmt.Fprintln(w, "  Cancelled before all recipients were processed")
	}
	if c.FailureReason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", c.FailureReason)
	}
}

func runTestEmail(cmd *cobra.Command, args []string) error {
	tcfg, err := testTransport.config()
	if err != nil {
		return err
	}
	html, subjects, err := testContent.load()
	if err != nil {
		return err
	}

	cfg, err := localConfig(sendDB)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(context.Background())

	fmt.Printf("Sending test email...\n")
	fmt.Printf("  From: %s\n", testContent.fromEmail)
	fmt.Printf("  To: %s\n", strings.TrimSpace(testTo))
	fmt.Printf("  Via: %s\n", tcfg.Method())

	receipt, err := application.Manager().SendTest(ctx, campaign.TestRequest{
		Line:      testTo,
		FromName:  testContent.fromName,
		FromEmail: testContent.fromEmail,
		Transport: tcfg,
		Subjects:  subjects,
		HTML:      html,
	})
	if err != nil {
		if kind := transport.KindOf(err); kind != "" {
			return fmt.Errorf("test email failed (%s): %w", kind, err)
		}
		return fmt.Errorf("test email failed: %w", err)
	}

	fmt.Printf("\nTest email sent successfully!\n")
	fmt.Printf("  ID: %s\n", receipt.ID)
	if receipt.Credential != "" {
		fmt.Printf("  Account: %s\n", receipt.Credential)
	}
	return nil
}
