// Command jobwait submits a job to the API, or picks up an existing one, and
// blocks until it finishes. It exits 0 on success, 2 when the job failed and
// 3 when the wait timed out; the job keeps running in that case.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"productshot/internal/client"
	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/waiter"
)

func main() {
	_ = godotenv.Load()

	var (
		apiFlag      string
		tokenFlag    string
		jobFlag      string
		kindFlag     string
		payloadFlag  string
		clientIDFlag string
		timeoutFlag  time.Duration
		intervalFlag time.Duration
	)
	flag.StringVar(&apiFlag, "api", envOr("PRODUCTSHOT_API_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&tokenFlag, "token", os.Getenv("PRODUCTSHOT_TOKEN"), "bearer token")
	flag.StringVar(&jobFlag, "job", "", "wait on an existing job instead of submitting")
	flag.StringVar(&kindFlag, "type", "image-generation", "job kind: analysis, image-generation or style-replicate")
	flag.StringVar(&payloadFlag, "payload", "", "job payload as JSON, or @file")
	flag.StringVar(&clientIDFlag, "client-job-id", "", "idempotency key; generated when empty")
	flag.DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "give up waiting after this long")
	flag.DurationVar(&intervalFlag, "interval", waiter.DefaultInterval, "poll interval")
	flag.Parse()

	logger := infra.NewLogger(envOr("APP_ENV", "development")).With().Str("cmd", "jobwait").Logger()

	api, err := client.New(client.Options{BaseURL: apiFlag, Token: tokenFlag})
	if err != nil {
		exitWithError(err, 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID := strings.TrimSpace(jobFlag)
	if jobID == "" {
		payload, err := readPayload(payloadFlag)
		if err != nil {
			exitWithError(err, 1)
		}
		clientJobID := strings.TrimSpace(clientIDFlag)
		if clientJobID == "" {
			clientJobID = uuid.NewString()
		}
		res, err := api.Submit(ctx, kindFlag, client.SubmitRequest{
			Payload:     payload,
			ClientJobID: clientJobID,
			FEAttempt:   1,
		})
		if err != nil {
			exitWithError(fmt.Errorf("submit: %w", err), 1)
		}
		jobID = res.JobID
		logger.Info().Str("job_id", jobID).Int("cost", res.Cost).Str("client_job_id", clientJobID).Msg("jobwait: submitted")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	snap, err := waiter.New(api, api, intervalFlag, logger).Wait(waitCtx, jobID)
	var failed *waiter.JobFailedError
	switch {
	case err == nil:
		printJSON(snap)
	case errors.As(err, &failed):
		printJSON(failed.Snapshot)
		os.Exit(2)
	case errors.Is(err, waiter.ErrCancelled):
		exitWithError(fmt.Errorf("job %s still running: %w", jobID, err), 3)
	case errors.Is(err, domain.ErrNotFound):
		exitWithError(fmt.Errorf("job %s not found", jobID), 1)
	default:
		exitWithError(err, 1)
	}
}

func readPayload(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("-payload is required when -job is not set")
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func exitWithError(err error, code int) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(code)
}
