package tools

import (
	"context"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/flynn-ai/flynn-core/internal/errors"
)

// clientInfo identifies this process to MCP servers.
var clientInfo = &mcp.Implementation{Name: "flynn-core", Version: "1.0.0"}

// MCPSource lists the tools of one MCP server.
type MCPSource struct {
	name      string
	adminOnly Set
	transport func() mcp.Transport
	log       logrus.FieldLogger

	// MaxElapsed bounds connection retries in Refresh.
	MaxElapsed time.Duration
}

// NewMCPSource creates a source that opens a fresh transport per discovery.
func NewMCPSource(name string, transport func() mcp.Transport, adminOnly []string, log logrus.FieldLogger) *MCPSource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MCPSource{
		name:       name,
		adminOnly:  NewSet(adminOnly...),
		transport:  transport,
		log:        log.WithFields(logrus.Fields{"component": "mcp", "server": name}),
		MaxElapsed: 10 * time.Second,
	}
}

// NewCommandSource creates a source for a stdio MCP server started as a
// subprocess.
func NewCommandSource(name, command string, args, adminOnly []string, log logrus.FieldLogger) *MCPSource {
	return NewMCPSource(name, func() mcp.Transport {
		return &mcp.CommandTransport{Command: exec.Command(command, args...)}
	}, adminOnly, log)
}

// Name returns the server name.
func (s *MCPSource) Name() string { return s.name }

// Discover connects, pages through tools/list and disconnects.
func (s *MCPSource) Discover(ctx context.Context) ([]Descriptor, error) {
	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, s.transport(), nil)
	if err != nil {
		return nil, s.discoveryError("connect", err)
	}
	defer session.Close()

	var (
		out    []Descriptor
		cursor string
	)
	for {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, s.discoveryError("list tools", err)
		}
		for _, t := range res.Tools {
			out = append(out, Descriptor{
				Name:        t.Name,
				ServerName:  s.name,
				Description: t.Description,
				Parameters:  schemaMap(t.InputSchema),
				AdminOnly:   s.adminOnly.Has(t.Name),
			})
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	s.log.WithField("tools", len(out)).Debug("discovered tools")
	return out, nil
}

// Refresh discovers with backoff and replaces this server's catalog entries.
func (s *MCPSource) Refresh(ctx context.Context, catalog *Catalog) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.MaxElapsed

	var ds []Descriptor
	err := backoff.RetryNotify(func() error {
		var err error
		ds, err = s.Discover(ctx)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		s.log.WithError(err).WithField("retry_in", wait).Warn("tool discovery failed")
	})
	if err != nil {
		return err
	}
	return catalog.Replace(s.name, ds)
}

func (s *MCPSource) discoveryError(op string, err error) error {
	return errors.NewBuilder(errors.CodeToolDiscoveryFailed, "mcp "+op+" failed for "+s.name).
		Temporary().
		Wrap(err).
		WithContext("server", s.name).
		Build()
}

// schemaMap normalizes an input schema of any shape to a JSON object.
func schemaMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
