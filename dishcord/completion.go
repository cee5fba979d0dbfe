package dishcord

import (
	"context"
	"errors"
	"fmt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	openaiRoleSystem = openai.ChatMessageRoleSystem
	openaiRoleUser   = openai.ChatMessageRoleUser

	cacheKeySeparator = "\x1e"
)

// ErrEmptyCompletion is returned when the model responds without any text
var ErrEmptyCompletion = errors.New("empty completion")

// ChatMessage is a single role-tagged message sent to the model
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a Completer. UserID and Command are
// only used for logging.
type CompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	UserID   string        `json:"user_id,omitempty"`
	Command  string        `json:"command,omitempty"`
}

func (r CompletionRequest) prompt() string {
	parts := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		parts = append(parts, m.Role+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}

func (r CompletionRequest) cacheKey() string {
	var sb strings.Builder
	sb.WriteString(r.Model)
	for _, m := range r.Messages {
		sb.WriteString(cacheKeySeparator)
		sb.WriteString(m.Role)
		sb.WriteString(cacheKeySeparator)
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Completer generates text for a prompt. Implementations return either
// the generated text or an error, never both.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionError wraps a failed completion call. StatusCode is the
// HTTP status returned by the API, or 0 if the request didn't get a
// response.
type CompletionError struct {
	StatusCode int
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// UserMessage returns the message shown to the user for this error.
// fallback is used when the API didn't return a status.
func (e *CompletionError) UserMessage(fallback string) string {
	if e.StatusCode != 0 {
		return fmt.Sprintf(
			"Error %d: Unable to get a response from the model.",
			e.StatusCode,
		)
	}
	return fallback
}

// OpenAIClient is the subset of the go-openai client used for
// completions
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAI is a Completer backed by the OpenAI chat completion API.
// Requests are rate limited, and optionally memoized by exact prompt.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	cache          *lru.Cache[string, string]

	// db is optional - when set, each request is recorded as a CompletionLog
	db *database
}

func newOpenAI(
	config *OpenAIConfig,
	httpClient *http.Client,
	db *database,
) (*OpenAI, error) {
	o := &OpenAI{
		config: config,
		db:     db,
		logger: newNamedLogger(config.LogLevel, "openai"),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			1,
		),
	}

	if config.CacheSize > 0 {
		cache, err := lru.New[string, string](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("error creating completion cache: %w", err)
		}
		o.cache = cache
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o, nil
}

// SetMaxRequestsPerSecond updates the request rate limit. Requests
// already waiting on the limiter pick up the new limit.
func (o *OpenAI) SetMaxRequestsPerSecond(limit float64) {
	o.requestLimiter.SetLimit(rate.Limit(limit))
}

// MaxRequestsPerSecond returns the current request rate limit
func (o *OpenAI) MaxRequestsPerSecond() float64 {
	return float64(o.requestLimiter.Limit())
}

func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	return o.requestLimiter.Wait(ctx)
}

// Complete sends the request's messages to the chat completion API and
// returns the content of the first choice. Failures are returned as
// *CompletionError.
func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	logger := contextLoggerOr(ctx, o.logger)
	if req.Model == "" {
		req.Model = o.config.Model
	}

	key := req.cacheKey()
	if o.cache != nil {
		if content, ok := o.cache.Get(key); ok {
			logger.DebugContext(ctx, "completion cache hit", "model", req.Model)
			o.record(ctx, req, time.Now(), content, 0, true, nil)
			return content, nil
		}
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", &CompletionError{Err: err}
	}

	if o.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.RequestTimeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}

	started := time.Now()
	logger.InfoContext(
		ctx,
		"sending completion request",
		"model", req.Model,
		"messages", len(messages),
	)
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: messages,
		},
	)
	if err != nil {
		cerr := &CompletionError{StatusCode: openaiStatusCode(err), Err: err}
		logger.ErrorContext(
			ctx,
			"completion request failed",
			"status_code", cerr.StatusCode,
			"elapsed", time.Since(started),
			tint.Err(err),
		)
		o.record(ctx, req, started, "", cerr.StatusCode, false, err)
		return "", cerr
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if content == "" {
		o.record(ctx, req, started, "", http.StatusOK, false, ErrEmptyCompletion)
		return "", &CompletionError{Err: ErrEmptyCompletion}
	}

	logger.InfoContext(
		ctx,
		"completion finished",
		"elapsed", time.Since(started),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	if o.cache != nil {
		o.cache.Add(key, content)
	}
	o.record(ctx, req, started, content, http.StatusOK, false, nil)
	return content, nil
}

// record saves a CompletionLog, if a database is configured
func (o *OpenAI) record(
	ctx context.Context,
	req CompletionRequest,
	started time.Time,
	response string,
	statusCode int,
	cached bool,
	err error,
) {
	if o.db == nil {
		return
	}
	entry := &CompletionLog{
		UserID:         req.UserID,
		Command:        req.Command,
		Model:          req.Model,
		RequestStarted: started.UnixMilli(),
		RequestEnded:   time.Now().UnixMilli(),
		Prompt:         req.prompt(),
		Response:       response,
		StatusCode:     statusCode,
		Cached:         cached,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if _, e := o.db.Create(context.WithoutCancel(ctx), entry); e != nil {
		contextLoggerOr(ctx, o.logger).ErrorContext(
			ctx,
			"error saving completion log",
			tint.Err(e),
		)
	}
}

// openaiStatusCode returns the HTTP status code from a go-openai error,
// or 0 if there isn't one
func openaiStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
