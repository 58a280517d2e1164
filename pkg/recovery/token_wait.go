package recovery

import (
	"context"
	"errors"

	"github.com/sandboxrunner/dbguard/pkg/resilience"
)

// WaitForWriterToken takes the writer token of the database at dbPath,
// retrying while another holder has it. A nil retry config tries once.
func WaitForWriterToken(ctx context.Context, dbPath string, retry *resilience.RetryConfig) (*WriterToken, error) {
	if retry == nil {
		return AcquireWriterToken(dbPath)
	}

	cfg := *retry
	if cfg.Name == "" {
		cfg.Name = "writer-token"
	}
	cfg.IsRetryable = func(err error) bool { return errors.Is(err, ErrTokenHeld) }

	var token *WriterToken
	err := resilience.NewRetryExecutor(&cfg).Execute(ctx, func(context.Context) error {
		var err error
		token, err = AcquireWriterToken(dbPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}
