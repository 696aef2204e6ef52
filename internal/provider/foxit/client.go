// Package foxit wraps the Foxit document generation and PDF workflow APIs
// behind an OAuth client-credentials token. Like the Vonage wrapper it
// returns outcome.Result values and only fabricates data, marked degraded,
// when the mock fallback is enabled.
package foxit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/onboardiq/platform/internal/outcome"
	"github.com/onboardiq/platform/internal/provider"
)

const vendorName = "foxit"

// tokenSkew refreshes tokens slightly before they expire.
const tokenSkew = 30 * time.Second

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Config holds credentials and the API base URL.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	Timeout       time.Duration
	MockOnFailure bool
}

// DocumentOptions controls rendering of a generated document.
type DocumentOptions struct {
	Format           string `json:"format"`
	IncludeWatermark bool   `json:"includeWatermark"`
	Compression      bool   `json:"compression"`
	Security         string `json:"security"`
}

// GenerateRequest asks Foxit to fill a template.
type GenerateRequest struct {
	TemplateID string                 `json:"templateId"`
	Data       map[string]interface{} `json:"data"`
	Options    DocumentOptions        `json:"options"`
}

// Document is a generated document.
type Document struct {
	DocumentID     string `json:"document_id"`
	DocumentURL    string `json:"document_url"`
	FileSize       string `json:"file_size"`
	GeneratedAt    string `json:"generated_at"`
	ProcessingTime string `json:"processing_time,omitempty"`
}

// WorkflowRequest runs operations over existing documents.
type WorkflowRequest struct {
	WorkflowID  string                 `json:"workflowId"`
	DocumentIDs []string               `json:"documentIds"`
	Operations  []string               `json:"operations"`
	Options     map[string]interface{} `json:"options"`
}

// ProcessedDocument is the result of a workflow.
type ProcessedDocument struct {
	ProcessedDocumentID  string `json:"processed_document_id"`
	ProcessedDocumentURL string `json:"processed_document_url"`
	FileSize             string `json:"file_size"`
	ProcessedAt          string `json:"processed_at"`
	ProcessingTime       string `json:"processing_time,omitempty"`
}

// Template describes a document template and the fields it fills.
type Template struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Fields      []string `json:"fields"`
}

var templates = []Template{
	{
		ID:          "welcome_packet",
		Name:        "Welcome Packet",
		Description: "Customer onboarding welcome packet",
		Category:    "onboarding",
		Fields:      []string{"customer_name", "company_name", "welcome_message"},
	},
	{
		ID:          "contract",
		Name:        "Service Contract",
		Description: "Standard service agreement template",
		Category:    "legal",
		Fields:      []string{"client_name", "service_type", "contract_value"},
	},
	{
		ID:          "invoice",
		Name:        "Invoice Template",
		Description: "Professional invoice template",
		Category:    "billing",
		Fields:      []string{"customer_name", "amount", "due_date"},
	},
}

// Features lists what the integration offers, reported by health checks.
var Features = []string{"document_generation", "pdf_processing", "template_management"}

// Client calls the Foxit APIs.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a Client.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.With().Str("component", "foxit").Logger(),
		now:  time.Now,
	}
}

// Configured reports whether credentials and base URL are present.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// MockEnabled reports whether failures degrade to placeholder data.
func (c *Client) MockEnabled() bool {
	return c.cfg.MockOnFailure
}

// Templates returns the available document templates.
func (c *Client) Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}

// Template looks up a template by ID.
func (c *Client) Template(id string) (Template, bool) {
	for _, t := range templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// GenerateDocument fills a template.
func (c *Client) GenerateDocument(ctx context.Context, req GenerateRequest) outcome.Result[Document] {
	return provider.Observe(ctx, vendorName, "generate-document", func(ctx context.Context) outcome.Result[Document] {
		if req.TemplateID == "" {
			return outcome.Failed[Document](provider.Invalid("templateId is required"))
		}
		if req.Options.Format == "" {
			req.Options.Format = "pdf"
		}
		if req.Options.Security == "" {
			req.Options.Security = "standard"
		}

		mock := func() Document {
			id := "doc_" + c.millis()
			return Document{
				DocumentID:     id,
				DocumentURL:    "https://example.com/documents/" + id + ".pdf",
				FileSize:       "2.4 MB",
				GeneratedAt:    c.now().UTC().Format(time.RFC3339),
				ProcessingTime: "2.1s",
			}
		}

		var resp Document
		if err := c.call(ctx, "/documents/generate", req, &resp); err != nil {
			return degradeOr(ctx, c, err, mock)
		}

		if resp.DocumentID == "" {
			resp.DocumentID = "doc_" + c.millis()
		}
		if resp.DocumentURL == "" {
			resp.DocumentURL = c.cfg.BaseURL + "/documents/" + resp.DocumentID
		}
		if resp.FileSize == "" {
			resp.FileSize = "2.4 MB"
		}
		if resp.GeneratedAt == "" {
			resp.GeneratedAt = c.now().UTC().Format(time.RFC3339)
		}
		return outcome.OK(resp)
	})
}

// ProcessWorkflow runs a workflow over existing documents. Without
// operations a watermark pass is applied.
func (c *Client) ProcessWorkflow(ctx context.Context, req WorkflowRequest) outcome.Result[ProcessedDocument] {
	return provider.Observe(ctx, vendorName, "process-workflow", func(ctx context.Context) outcome.Result[ProcessedDocument] {
		if req.WorkflowID == "" {
			return outcome.Failed[ProcessedDocument](provider.Invalid("workflowId is required"))
		}
		if len(req.Operations) == 0 {
			req.Operations = []string{"watermark"}
		}
		if req.Options == nil {
			req.Options = map[string]interface{}{}
		}

		mock := func() ProcessedDocument {
			id := "workflow_" + c.millis()
			return ProcessedDocument{
				ProcessedDocumentID:  id,
				ProcessedDocumentURL: "https://example.com/processed/" + id + ".pdf",
				FileSize:             "3.1 MB",
				ProcessedAt:          c.now().UTC().Format(time.RFC3339),
				ProcessingTime:       "3.2s",
			}
		}

		var resp ProcessedDocument
		if err := c.call(ctx, "/workflows/process", req, &resp); err != nil {
			return degradeOr(ctx, c, err, mock)
		}

		if resp.ProcessedDocumentID == "" {
			resp.ProcessedDocumentID = "workflow_" + c.millis()
		}
		if resp.ProcessedDocumentURL == "" {
			resp.ProcessedDocumentURL = c.cfg.BaseURL + "/processed/" + resp.ProcessedDocumentID
		}
		if resp.FileSize == "" {
			resp.FileSize = "3.1 MB"
		}
		if resp.ProcessedAt == "" {
			resp.ProcessedAt = c.now().UTC().Format(time.RFC3339)
		}
		return outcome.OK(resp)
	})
}

// maxDocumentBytes bounds a downloaded document.
const maxDocumentBytes = 50 << 20

// Download fetches the rendered PDF for documentID. The placeholder PDF is
// only returned, degraded, when the fetch fails and the fallback is on.
func (c *Client) Download(ctx context.Context, documentID string) outcome.Result[[]byte] {
	return provider.Observe(ctx, vendorName, "download", func(ctx context.Context) outcome.Result[[]byte] {
		if !documentIDPattern.MatchString(documentID) {
			return outcome.Failed[[]byte](provider.Invalid("document id %q", documentID))
		}

		pdf, err := c.fetch(ctx, "/documents/"+url.PathEscape(documentID)+"/download")
		if err != nil {
			return degradeOr(ctx, c, err, func() []byte { return placeholderPDF(documentID, c.now()) })
		}
		return outcome.OK(pdf)
	})
}

// degradeOr turns err into a degraded mock result when the fallback is
// enabled. A cancelled caller always fails.
func degradeOr[T any](ctx context.Context, c *Client, err error, mock func() T) outcome.Result[T] {
	if ctx.Err() != nil {
		return outcome.Failed[T](ctx.Err())
	}
	if c.cfg.MockOnFailure {
		c.log.Warn().Err(err).Msg("vendor call failed, returning mock data")
		return outcome.Degraded(mock(), err)
	}
	return outcome.Failed[T](err)
}

// call POSTs body to path with a bearer token.
func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	if !c.Configured() {
		return provider.ErrNotConfigured
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := provider.NewJSONRequest(ctx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	err = provider.DoJSON(c.http, vendorName, req, out)
	var se *provider.StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return err
}

// fetch GETs a binary document from path with a bearer token.
func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	if !c.Configured() {
		return nil, provider.ErrNotConfigured
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "foxit: build download request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "foxit: GET %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		return nil, &provider.StatusError{Vendor: vendorName, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, errors.Wrap(err, "foxit: read document")
	}
	if len(pdf) == 0 {
		return nil, errors.New("foxit: empty document")
	}
	return pdf, nil
}

// accessToken returns a cached token or fetches a new one with the client
// credentials grant.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "foxit: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := provider.DoJSON(c.http, vendorName, req, &resp); err != nil {
		return "", errors.Wrap(err, "foxit: token")
	}
	if resp.AccessToken == "" {
		return "", errors.New("foxit: token response without access_token")
	}
	if resp.ExpiresIn <= 0 {
		resp.ExpiresIn = 3600
	}

	c.token = resp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenSkew)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) millis() string {
	return strconv.FormatInt(c.now().UnixMilli(), 10)
}

// placeholderPDF renders a minimal one-page PDF with a correct xref table.
func placeholderPDF(documentID string, at time.Time) []byte {
	stream := fmt.Sprintf("BT\n/F1 12 Tf\n50 700 Td\n(OnboardIQ Demo Document) Tj\n0 -20 Td\n(Document ID: %s) Tj\n0 -20 Td\n(Generated: %s) Tj\n0 -40 Td\n(This is a placeholder PDF produced by the document service.) Tj\nET\n",
		documentID, at.UTC().Format(time.RFC1123))

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF", len(objects)+1, xref)
	return []byte(b.String())
}
