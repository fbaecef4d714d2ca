package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nathan/mailsentry/internal/core"
	"github.com/nathan/mailsentry/internal/detectors"
	"github.com/nathan/mailsentry/internal/di"
	"github.com/nathan/mailsentry/internal/ensemble"
	"github.com/nathan/mailsentry/internal/features"
	"go.uber.org/zap"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(run); err != nil {
		fmt.Printf("Scan error: %v\n", err)
		os.Exit(1)
	}
}

// run scores one email from file or stdin and prints the verdict
func run(
	flags *di.CLIFlags,
	logger *zap.Logger,
	extractor *features.Extractor,
	runner *detectors.Runner,
	resolver *ensemble.Resolver,
) error {
	defer logger.Sync()

	var emailReader io.Reader
	if flags.InputFile != "" {
		file, err := os.Open(flags.InputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file %s: %w", flags.InputFile, err)
		}
		defer file.Close()
		emailReader = file
		logger.Info("Reading email from file", zap.String("file", flags.InputFile))
	} else {
		emailReader = os.Stdin
		logger.Info("Reading email from stdin")
	}

	msg, err := mail.ReadMessage(bufio.NewReader(emailReader))
	if err != nil {
		return fmt.Errorf("failed to parse email: %w", err)
	}

	bodyBytes, err := io.ReadAll(msg.Body)
	if err != nil {
		return fmt.Errorf("failed to read email body: %w", err)
	}
	body := string(bodyBytes)

	email := &core.EmailRecord{
		MessageID:  messageID(msg),
		Subject:    msg.Header.Get("Subject"),
		Sender:     senderAddress(msg.Header.Get("From")),
		SenderName: senderName(msg.Header.Get("From")),
		Recipient:  senderAddress(msg.Header.Get("To")),
		Body:       body,
		Headers:    flattenHeaders(msg.Header),
		URLs:       urlPattern.FindAllString(body, -1),
		ReceivedAt: time.Now(),
	}

	fmt.Printf("\n=== Email Summary ===\n")
	fmt.Printf("From: %s\n", email.Sender)
	fmt.Printf("To: %s\n", email.Recipient)
	fmt.Printf("Subject: %s\n", email.Subject)
	fmt.Printf("Body length: %d bytes\n", len(body))
	fmt.Printf("URLs found: %d\n", len(email.URLs))

	bundle, err := extractor.Extract(email)
	if err != nil {
		return fmt.Errorf("failed to extract features: %w", err)
	}

	startTime := time.Now()
	detectorResults := runner.RunAll(context.Background(), bundle)
	result := resolver.Resolve(email.MessageID, detectorResults, bundle.HasDetonatableContent(), startTime)

	fmt.Printf("\n=== Results ===\n")
	fmt.Printf("Threat score: %.4f\n", result.ThreatScore)
	fmt.Printf("Confidence: %.4f\n", result.Confidence)
	fmt.Printf("Verdict: %s\n", result.Verdict)
	fmt.Printf("Action: %s\n", result.Action)
	if len(result.Indicators) > 0 {
		fmt.Printf("Indicators: %s\n", strings.Join(result.Indicators, ", "))
	}
	for name, res := range result.DetectorResults {
		fmt.Printf("  %s: score=%.4f confidence=%.4f\n", name, res.Score, res.Confidence)
	}
	fmt.Printf("Processing time: %v\n", result.ProcessingTime)

	return nil
}

// messageID falls back to a synthetic id when the header is missing
func messageID(msg *mail.Message) string {
	id := strings.Trim(msg.Header.Get("Message-Id"), "<>")
	if id == "" {
		id = fmt.Sprintf("scan-%d", time.Now().UnixNano())
	}
	return id
}

func senderAddress(raw string) string {
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(raw)
}

func senderName(raw string) string {
	if addr, err := mail.ParseAddress(raw); err == nil {
		return addr.Name
	}
	return ""
}

func flattenHeaders(header mail.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
