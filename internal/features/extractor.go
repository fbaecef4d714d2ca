package features

import (
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/utils"
	"go.uber.org/zap"
)

var executableExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".js": true, ".jse": true, ".vbs": true, ".vbe": true,
	".wsf": true, ".ps1": true, ".msi": true, ".jar": true, ".hta": true,
}

var archiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".iso": true, ".img": true,
	".tar": true, ".gz": true, ".cab": true,
}

// Extractor turns raw emails into normalized feature bundles. Pure
// transformation: the only reference data is the configured brand list.
type Extractor struct {
	knownBrands []string
	logger      *zap.Logger
}

// NewExtractor creates a feature extractor
func NewExtractor(knownBrands []string, logger *zap.Logger) *Extractor {
	normalized := make([]string, 0, len(knownBrands))
	for _, b := range knownBrands {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(b)))
	}
	return &Extractor{knownBrands: normalized, logger: logger}
}

// KnownBrands exposes the configured brand list to detectors
func (e *Extractor) KnownBrands() []string {
	return e.knownBrands
}

// Extract validates and normalizes an email into a FeatureBundle. Partial
// sub-feature failures (one unparseable URL or attachment) mark that entry
// unavailable instead of failing the bundle.
func (e *Extractor) Extract(email *core.EmailRecord) (*core.FeatureBundle, error) {
	if email == nil {
		return nil, fmt.Errorf("%w: nil email", core.ErrValidation)
	}
	if email.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", core.ErrValidation)
	}
	if email.Sender == "" {
		return nil, fmt.Errorf("%w: missing sender", core.ErrValidation)
	}

	headers := normalizeHeaders(email.Headers)

	bundle := &core.FeatureBundle{
		MessageID:    email.MessageID,
		Subject:      utils.StripHTML(email.Subject),
		BodyText:     utils.StripHTML(email.Body),
		Sender:       strings.ToLower(strings.TrimSpace(email.Sender)),
		SenderName:   strings.TrimSpace(email.SenderName),
		SenderDomain: utils.DomainOf(email.Sender),
		Recipient:    strings.ToLower(strings.TrimSpace(email.Recipient)),
		ReplyTo:      strings.ToLower(strings.TrimSpace(headers["Reply-To"])),
		Headers:      headers,
		ReceivedAt:   email.ReceivedAt,
	}

	bundle.URLs = make([]core.URLFeature, 0, len(email.URLs))
	for _, raw := range email.URLs {
		bundle.URLs = append(bundle.URLs, e.extractURL(raw))
	}

	bundle.Attachments = make([]core.AttachmentFeature, 0, len(email.Attachments))
	for _, att := range email.Attachments {
		bundle.Attachments = append(bundle.Attachments, e.extractAttachment(att))
	}

	return bundle, nil
}

// extractURL computes per-URL sub-features; parse failures yield an
// unavailable entry
func (e *Extractor) extractURL(raw string) core.URLFeature {
	feature := core.URLFeature{Raw: raw}

	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		e.logger.Debug("Unparseable URL in email", zap.String("url", raw))
		feature.Unavailable = true
		return feature
	}

	host := strings.ToLower(parsed.Hostname())
	feature.Domain = host
	feature.Scheme = strings.ToLower(parsed.Scheme)
	feature.PathDepth = strings.Count(strings.Trim(parsed.Path, "/"), "/")
	if parsed.Path != "" && parsed.Path != "/" {
		feature.PathDepth++
	}
	feature.IPLiteral = net.ParseIP(host) != nil

	return feature
}

// extractAttachment computes per-attachment sub-features; a malformed entry
// yields an unavailable feature
func (e *Extractor) extractAttachment(att core.Attachment) core.AttachmentFeature {
	feature := core.AttachmentFeature{
		Filename:    att.Filename,
		ContentType: strings.ToLower(att.ContentType),
		Size:        att.Size,
		Hash:        strings.ToLower(att.Hash),
	}

	if att.Filename == "" {
		feature.Unavailable = true
		return feature
	}

	name := strings.ToLower(att.Filename)
	ext := filepath.Ext(name)
	feature.Extension = ext
	feature.Executable = executableExtensions[ext]
	feature.Archive = archiveExtensions[ext]

	// foo.pdf.exe style names
	base := strings.TrimSuffix(name, ext)
	if inner := filepath.Ext(base); inner != "" && inner != ext {
		feature.DoubleExtension = true
	}

	return feature
}

// normalizeHeaders canonicalizes header keys so detectors can rely on a
// single casing
func normalizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
