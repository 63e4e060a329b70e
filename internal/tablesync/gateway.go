package tablesync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// GatewayError carries the HTTP status and stable error code for one failed
// gate of the inbound write path.
type GatewayError struct {
	Status int
	Code   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

var (
	errUnsupportedContentType = &GatewayError{Status: http.StatusBadRequest, Code: "content_type_header_not_json"}
	errHookNotFound           = &GatewayError{Status: http.StatusNotFound, Code: "not_found"}
	errBadAuth                = &GatewayError{Status: http.StatusUnauthorized, Code: "bad_auth"}
	errBadFormat              = &GatewayError{Status: http.StatusBadRequest, Code: "bad format"}
	errRegistryUnavailable    = &GatewayError{Status: http.StatusBadGateway, Code: "registry_unavailable"}
	errSourceUnavailable      = &GatewayError{Status: http.StatusBadGateway, Code: "source_unavailable"}
	errInternal               = &GatewayError{Status: http.StatusInternalServerError, Code: "internal_error"}
)

type GatewayOptions struct {
	Registry  SubscriptionRegistry
	Source    SourceClient
	Snapshots SnapshotStore
	Logger    Logger
}

// Gateway is the authenticated inbound path back into the data source: it
// resolves a hook name to a subscription, checks the caller's token, and
// forwards the body as a new row. Stateless per request apart from a compiled
// schema cache.
type Gateway struct {
	registry  SubscriptionRegistry
	source    SourceClient
	snapshots SnapshotStore
	logger    Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("subscription registry is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("source client is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	return &Gateway{
		registry:  opts.Registry,
		source:    opts.Source,
		snapshots: opts.Snapshots,
		logger:    opts.Logger,
		schemas:   map[string]*jsonschema.Schema{},
	}, nil
}

// CreateRow runs the gates in order, returning on the first failure:
// content type, hook resolution, token, body shape, optional payload schema,
// then the upstream create.
func (g *Gateway) CreateRow(ctx context.Context, hookName, contentType, token string, body []byte) (string, *GatewayError) {
	if !isJSONContentType(contentType) {
		return "", errUnsupportedContentType
	}
	sub, gwErr := g.resolveHook(ctx, hookName, true)
	if gwErr != nil {
		return "", gwErr
	}
	if !tokenMatches(token, sub.AuthToken) {
		return "", errBadAuth
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return "", errBadFormat
	}
	if schema := g.compiledSchema(sub); schema != nil {
		value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			return "", errBadFormat
		}
		if err := schema.Validate(value); err != nil {
			return "", errBadFormat
		}
	}
	rowID, err := g.source.Create(ctx, sub.SourceID, sub.TableID, fields)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return "", errBadFormat
		}
		g.logf("inbound create via %s failed: %v", hookName, err)
		return "", errSourceUnavailable
	}
	return rowID, nil
}

// Reset drops the stored snapshot for a hook so the next cycle delivers the
// full row set again.
func (g *Gateway) Reset(ctx context.Context, hookName, token string) *GatewayError {
	sub, gwErr := g.resolveHook(ctx, hookName, false)
	if gwErr != nil {
		return gwErr
	}
	if !tokenMatches(token, sub.AuthToken) {
		return errBadAuth
	}
	if err := g.snapshots.Delete(ctx, sub.ID); err != nil {
		g.logf("snapshot reset for %s failed: %v", sub.ID, err)
		return errInternal
	}
	return nil
}

// resolveHook matches a hook name against the registry. A hook that exists
// but is not writable answers exactly like a missing one, so probing cannot
// tell them apart.
func (g *Gateway) resolveHook(ctx context.Context, hookName string, requireWrite bool) (Subscription, *GatewayError) {
	hookName = strings.TrimSpace(hookName)
	if hookName == "" {
		return Subscription{}, errHookNotFound
	}
	subscriptions, err := g.registry.List(ctx)
	if err != nil {
		g.logf("hook resolution failed: %v", err)
		return Subscription{}, errRegistryUnavailable
	}
	for _, sub := range subscriptions {
		if sub.HookName != hookName {
			continue
		}
		if requireWrite && !sub.CanWrite {
			continue
		}
		return sub, nil
	}
	return Subscription{}, errHookNotFound
}

// compiledSchema returns the subscription's payload schema, compiled and
// cached by schema text. A schema that fails to compile is ignored rather
// than blocking writes, mirroring the fail-open snapshot policy.
func (g *Gateway) compiledSchema(sub Subscription) *jsonschema.Schema {
	schemaText := strings.TrimSpace(sub.PayloadSchema)
	if schemaText == "" {
		return nil
	}
	g.schemaMu.Lock()
	defer g.schemaMu.Unlock()
	if schema, ok := g.schemas[schemaText]; ok {
		return schema
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		g.logf("payload schema for %s is not valid JSON: %v", sub.ID, err)
		g.schemas[schemaText] = nil
		return nil
	}
	compiler := jsonschema.NewCompiler()
	resource := "tablerelay://" + sub.ID + "/payload-schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		g.logf("payload schema for %s rejected: %v", sub.ID, err)
		g.schemas[schemaText] = nil
		return nil
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		g.logf("payload schema for %s failed to compile: %v", sub.ID, err)
		g.schemas[schemaText] = nil
		return nil
	}
	g.schemas[schemaText] = schema
	return schema
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(contentType))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// tokenMatches compares in constant time. An unset subscription token never
// matches: a hook without credentials is closed, not open.
func tokenMatches(supplied, configured string) bool {
	if configured == "" {
		return false
	}
	return hmac.Equal([]byte(supplied), []byte(configured))
}
