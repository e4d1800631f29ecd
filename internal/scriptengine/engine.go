// Package scriptengine executes small user-supplied code snippets (hooks,
// custom tool handlers, context loaders, permission callbacks) in a
// restricted interpreter subprocess. It is the only path from declarative
// agent-config snippets to executable callbacks.
package scriptengine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/claudesmith/claudesmith/internal/common/config"
	apperrors "github.com/claudesmith/claudesmith/internal/common/errors"
	"github.com/claudesmith/claudesmith/internal/common/logger"
)

// Kind selects the per-site timeout for a snippet.
type Kind string

const (
	KindHook          Kind = "hook"
	KindToolHandler   Kind = "tool_handler"
	KindContextLoader Kind = "context_loader"
	KindPermission    Kind = "permission"
)

// Callback is a compiled snippet ready for repeated invocation.
type Callback func(ctx context.Context, input map[string]any) (map[string]any, error)

// Engine runs prevalidated snippets in a node subprocess with a stripped
// global scope and a hard timeout.
type Engine struct {
	nodeBinary     string
	hookTimeout    time.Duration
	handlerTimeout time.Duration
	loaderTimeout  time.Duration
	logger         *logger.Logger
}

// wrapper is executed by node. It receives the snippet (base64) and the
// input (JSON) as argv, deletes every blocked global from the sandbox scope,
// runs the snippet as the body of an async function, and prints the result
// as JSON on stdout. The vm timeout is a second fence behind the Go-side
// context deadline.
const wrapper = `
const vm = require('vm');
const code = Buffer.from(process.argv[1], 'base64').toString('utf8');
const input = JSON.parse(process.argv[2] || '{}');
const timeoutMs = parseInt(process.argv[3], 10) || 5000;
const sandbox = {
  input,
  JSON, Math, Date, String, Number, Boolean, Array, Object, RegExp,
  Promise, Error, console: { log: () => {}, error: () => {} },
};
vm.createContext(sandbox, { codeGeneration: { strings: false, wasm: false } });
const src = '(async (input) => {\n' + code + '\n})(input)';
Promise.resolve(vm.runInContext(src, sandbox, { timeout: timeoutMs }))
  .then((result) => {
    process.stdout.write(JSON.stringify(result === undefined ? null : result));
    process.exit(0);
  })
  .catch((err) => {
    process.stderr.write(String(err && err.message ? err.message : err));
    process.exit(1);
  });
`

// NewEngine creates an evaluator from configuration.
func NewEngine(cfg config.EvaluatorConfig, log *logger.Logger) *Engine {
	node := cfg.NodeBinary
	if node == "" {
		node = "node"
	}
	return &Engine{
		nodeBinary:     node,
		hookTimeout:    msOrDefault(cfg.HookTimeout, 5000),
		handlerTimeout: msOrDefault(cfg.HandlerTimeout, 10000),
		loaderTimeout:  msOrDefault(cfg.LoaderTimeout, 5000),
		logger:         log.WithFields(zap.String("component", "scriptengine")),
	}
}

func msOrDefault(ms int, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// TimeoutFor returns the timeout applied to snippets of the given kind.
func (e *Engine) TimeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindToolHandler:
		return e.handlerTimeout
	case KindHook:
		return e.hookTimeout
	default:
		return e.loaderTimeout
	}
}

// Compile prevalidates a snippet and returns a reusable callback.
// A snippet that fails prevalidation never gets a callback; callers turn
// that into a permanently erroring tool stub.
func (e *Engine) Compile(kind Kind, code string) (Callback, error) {
	if err := Prevalidate(code); err != nil {
		return nil, apperrors.CodeRejected(err.Error())
	}
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return e.run(ctx, kind, code, input)
	}, nil
}

// Evaluate prevalidates and runs a snippet once.
func (e *Engine) Evaluate(ctx context.Context, kind Kind, code string, input map[string]any) (map[string]any, error) {
	cb, err := e.Compile(kind, code)
	if err != nil {
		return nil, err
	}
	return cb(ctx, input)
}

func (e *Engine) run(ctx context.Context, kind Kind, code string, input map[string]any) (map[string]any, error) {
	timeout := e.TimeoutFor(kind)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snippet input: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(code))
	timeoutArg := fmt.Sprintf("%d", timeout.Milliseconds())

	cmd := exec.CommandContext(ctx, e.nodeBinary, "-e", wrapper, "--", encoded, string(inputJSON), timeoutArg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("snippet evaluation timed out",
			zap.String("kind", string(kind)),
			zap.Duration("timeout", timeout))
		return nil, apperrors.CodeTimeout(string(kind))
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("snippet execution failed: %s", msg)
	}

	e.logger.Debug("snippet evaluated",
		zap.String("kind", string(kind)),
		zap.Duration("elapsed", elapsed))

	raw := bytes.TrimSpace(stdout.Bytes())
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var out map[string]any
	if uerr := json.Unmarshal(raw, &out); uerr != nil {
		// scalar results are wrapped so callers always see a map
		var scalar any
		if serr := json.Unmarshal(raw, &scalar); serr != nil {
			return nil, fmt.Errorf("snippet produced unparseable output: %w", serr)
		}
		return map[string]any{"result": scalar}, nil
	}
	return out, nil
}

// IsRejection reports whether err is a prevalidation rejection as opposed to
// an execution failure.
func IsRejection(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeCodeRejected)
}

// IsTimeout reports whether err is an evaluation timeout.
func IsTimeout(err error) bool {
	if apperrors.IsCode(err, apperrors.ErrCodeCodeTimeout) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
