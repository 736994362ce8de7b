package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrPollExhausted is returned when polling reached its attempt limit
// without any result arriving.
var ErrPollExhausted = errors.New("hosted DID polling exhausted its attempts")

// PollOptions bounds a polling loop.
type PollOptions struct {
	Interval    time.Duration // delay between polls (default 2s)
	MaxAttempts int           // attempt limit (default 30)
	SaveRoot    string        // when set, issued identities are persisted here
}

// PollHostedDID polls the server for hosted-DID results addressed to
// requesterShortID until at least one arrives or the attempt budget runs
// out. Every received result is acknowledged; successful ones are persisted
// under SaveRoot as user_hosted_<host>_<port>_<shortID> directories, the
// local mirror of an identity another server now hosts.
func (c *Client) PollHostedDID(ctx context.Context, requesterShortID string, opts PollOptions) ([]*Result, error) {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		results, err := c.CheckHostedResults(ctx, requesterShortID)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			for _, res := range results {
				if res.Success && opts.SaveRoot != "" {
					if err := c.saveHostedIdentity(opts.SaveRoot, res); err != nil {
						c.logger.Warn("persist hosted identity",
							zap.String("result_id", res.ResultID), zap.Error(err))
					}
				}
				if err := c.AcknowledgeResult(ctx, res.ResultID); err != nil {
					c.logger.Warn("acknowledge result",
						zap.String("result_id", res.ResultID), zap.Error(err))
				}
			}
			return results, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrPollExhausted, opts.MaxAttempts)
}

// saveHostedIdentity writes the issued document to
// <root>/user_hosted_<host>_<port>_<shortID>/did_document.json.
func (c *Client) saveHostedIdentity(root string, res *Result) error {
	hostedID := res.HostedDID()
	if hostedID == "" {
		return fmt.Errorf("result %s has no hosted document id", res.ResultID)
	}
	shortID := hostedID[strings.LastIndexByte(hostedID, ':')+1:]
	dir := filepath.Join(root, fmt.Sprintf("user_hosted_%s_%d_%s", res.Host, res.Port, shortID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create hosted identity dir: %w", err)
	}
	data, err := json.MarshalIndent(res.HostedDIDDocument, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hosted document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "did_document.json"), data, 0o644); err != nil {
		return fmt.Errorf("write hosted document: %w", err)
	}
	c.logger.Info("hosted identity persisted",
		zap.String("hosted_did", hostedID),
		zap.String("dir", dir),
	)
	return nil
}
