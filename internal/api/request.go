package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/foxzi/mailcast/internal/campaign"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

const (
	defaultFromName  = "Email Support"
	defaultSendSpeed = 10
)

// CampaignRequest is the JSON body of POST /campaigns. The multipart form
// carries the same fields, with htmlFile, subjectsFile, recipientsFile and
// smtpCredentialsFile uploads in place of html, subjects, recipients and
// smtpCredentials.
type CampaignRequest struct {
	Name      string `json:"name"`
	FromName  string `json:"fromName"`
	FromEmail string `json:"fromEmail"`
	transport.Fields
	SendSpeed    int      `json:"sendSpeed"`
	TrackOpens   bool     `json:"trackOpens"`
	TrackLinks   bool     `json:"trackLinks"`
	TrackReplies bool     `json:"trackReplies"`
	Subjects     []string `json:"subjects"`
	HTML         string   `json:"html"`
	// Recipients is the recipient file content, one line per recipient
	Recipients string `json:"recipients"`
	Dedupe     bool   `json:"dedupe"`
}

// TestEmailRequest is the body of POST /email/test
type TestEmailRequest struct {
	// TestEmail is a recipient line: an address, optionally with fields
	TestEmail string `json:"testEmail"`
	FromName  string `json:"fromName"`
	FromEmail string `json:"fromEmail"`
	transport.Fields
	Subjects []string `json:"subjects"`
	HTML     string   `json:"html"`
}

// requestError is a client error found while decoding
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// decodeCampaign reads a JSON or multipart creation request
func (s *Server) decodeCampaign(w http.ResponseWriter, r *http.Request) (*CampaignRequest, error) {
	if !isMultipart(r) {
		var req CampaignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest("Invalid request body")
		}
		return &req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		return nil, badRequest("Invalid multipart form: %v", err)
	}

	req := &CampaignRequest{
		Name:         r.FormValue("name"),
		FromName:     r.FormValue("fromName"),
		FromEmail:    r.FormValue("fromEmail"),
		Fields:       formFields(r),
		TrackOpens:   formBool(r, "trackOpens"),
		TrackLinks:   formBool(r, "trackLinks"),
		TrackReplies: formBool(r, "trackReplies"),
		Dedupe:       formBool(r, "dedupe"),
	}
	if v := r.FormValue("sendSpeed"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, badRequest("sendSpeed must be a number")
		}
		req.SendSpeed = n
	}

	var err error
	if req.HTML, err = formFile(r, "htmlFile"); err != nil {
		return nil, err
	}
	if req.Recipients, err = formFile(r, "recipientsFile"); err != nil {
		return nil, err
	}
	subjects, err := formFile(r, "subjectsFile")
	if err != nil {
		return nil, err
	}
	req.Subjects = merge.ParseSubjects(subjects)

	if err := attachCredentials(r, &req.Fields); err != nil {
		return nil, err
	}
	return req, nil
}

// decodeTestEmail reads a JSON or multipart test send request
func (s *Server) decodeTestEmail(w http.ResponseWriter, r *http.Request) (*TestEmailRequest, error) {
	if !isMultipart(r) {
		var req TestEmailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, badRequest("Invalid request body")
		}
		return &req, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		return nil, badRequest("Invalid multipart form: %v", err)
	}

	req := &TestEmailRequest{
		TestEmail: r.FormValue("testEmail"),
		FromName:  r.FormValue("fromName"),
		FromEmail: r.FormValue("fromEmail"),
		Fields:    formFields(r),
	}

	var err error
	if req.HTML, err = formFile(r, "htmlFile"); err != nil {
		return nil, err
	}
	subjects, err := formFile(r, "subjectsFile")
	if err != nil {
		return nil, err
	}
	req.Subjects = merge.ParseSubjects(subjects)

	if err := attachCredentials(r, &req.Fields); err != nil {
		return nil, err
	}
	return req, nil
}

// toRequest converts the wire form; malformed recipient lines are returned
// separately and do not stop creation
func (req *CampaignRequest) toRequest() (campaign.Request, []string, error) {
	cfg, err := transport.FromFields(req.Fields)
	if err != nil {
		return campaign.Request{}, nil, err
	}

	records, errs := recipient.Collect(recipient.SourceFromString(req.Recipients))
	if req.Dedupe {
		records = recipient.Dedupe(records)
	}
	skipped := make([]string, 0, len(errs))
	for _, e := range errs {
		skipped = append(skipped, e.Error())
	}

	speed := req.SendSpeed
	if speed == 0 {
		speed = defaultSendSpeed
	}
	fromName := req.FromName
	if fromName == "" {
		fromName = defaultFromName
	}

	return campaign.Request{
		Name:         req.Name,
		FromName:     fromName,
		FromEmail:    req.FromEmail,
		Transport:    cfg,
		SendSpeed:    speed,
		TrackOpens:   req.TrackOpens,
		TrackLinks:   req.TrackLinks,
		TrackReplies: req.TrackReplies,
		Subjects:     req.Subjects,
		HTML:         req.HTML,
		Recipients:   records,
	}, skipped, nil
}

func (req *TestEmailRequest) toRequest() (campaign.TestRequest, error) {
	if strings.TrimSpace(req.TestEmail) == "" {
		return campaign.TestRequest{}, badRequest("testEmail is required")
	}
	cfg, err := transport.FromFields(req.Fields)
	if err != nil {
		return campaign.TestRequest{}, err
	}
	fromName := req.FromName
	if fromName == "" {
		fromName = defaultFromName
	}
	return campaign.TestRequest{
		Line:      req.TestEmail,
		FromName:  fromName,
		FromEmail: req.FromEmail,
		Transport: cfg,
		Subjects:  req.Subjects,
		HTML:      req.HTML,
	}, nil
}

func formFields(r *http.Request) transport.Fields {
	f := transport.Fields{
		SendMethod:   r.FormValue("sendMethod"),
		APIKey:       r.FormValue("apiKey"),
		SMTPMode:     r.FormValue("smtpMode"),
		SMTPHost:     r.FormValue("smtpHost"),
		SMTPUsername: r.FormValue("smtpUsername"),
		SMTPPassword: r.FormValue("smtpPassword"),
		RotateSMTP:   formBool(r, "rotateSmtp"),
	}
	if port, err := strconv.Atoi(r.FormValue("smtpPort")); err == nil {
		f.SMTPPort = port
	}
	return f
}

func attachCredentials(r *http.Request, f *transport.Fields) error {
	text, err := formFile(r, "smtpCredentialsFile")
	if err != nil || text == "" {
		return err
	}
	creds, err := transport.ParseCredentials(text)
	if err != nil {
		return err
	}
	f.Credentials = creds
	return nil
}

func formBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.FormValue(key))
	return v
}

// formFile returns an uploaded file as text, or "" when it is absent
func formFile(r *http.Request, field string) (string, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", badRequest("Invalid %s: %v", field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", badRequest("Failed to read %s: %v", field, err)
	}
	return string(data), nil
}
