// Package git retrieves application sources into ephemeral workspaces.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/sshkey"
)

// DefaultHTTPUser is sent with token auth when no username is configured.
const DefaultHTTPUser = "git"

// ErrSSHKeyRequired is returned for ssh remotes without a private key.
var ErrSSHKeyRequired = errors.New("git: SSH private key is required")

// Source describes what to clone and how to authenticate.
type Source struct {
	URL        string
	Branch     string
	Username   string
	Token      string
	PrivateKey []byte
	Passphrase string
}

// SourceRetrievalError wraps any clone or authentication failure.
type SourceRetrievalError struct {
	URL string
	Err error
}

func (e *SourceRetrievalError) Error() string {
	return fmt.Sprintf("failed to clone repository %s: %v", e.URL, e.Err)
}

func (e *SourceRetrievalError) Unwrap() error { return e.Err }

// Workspaces hands out fresh clone directories.
type Workspaces interface {
	Create(sessionID string) (string, error)
}

// Retriever clones repositories with go-git.
type Retriever struct {
	workspaces Workspaces
	keys       *sshkey.Loader
	logs       logstream.Sender
	logger     *slog.Logger
}

// New constructs a Retriever.
func New(workspaces Workspaces, keys *sshkey.Loader, logs logstream.Sender, logger *slog.Logger) *Retriever {
	return &Retriever{workspaces: workspaces, keys: keys, logs: logs, logger: logger}
}

// Clone performs a depth-1 single-branch clone into a new workspace and
// returns its path. Transfer progress is forwarded to the session. The
// workspace is left in place on failure.
func (r *Retriever) Clone(ctx context.Context, sessionID string, src Source) (string, error) {
	dir, err := r.workspaces.Create(sessionID)
	if err != nil {
		return "", &SourceRetrievalError{URL: src.URL, Err: err}
	}
	auth, err := r.authFor(src)
	if err != nil {
		return dir, &SourceRetrievalError{URL: src.URL, Err: err}
	}
	branch := src.Branch
	if branch == "" {
		branch = "main"
	}

	progress := newProgressWriter(func(line string) {
		r.logs.Send(sessionID, logstream.KindDeploy, "[GIT] "+line)
	})
	r.logger.Info("cloning repository", "session_id", sessionID, "url", redact(src.URL), "branch", branch)
	_, err = gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:           src.URL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Progress:      progress,
	})
	progress.Flush()
	if err != nil {
		r.logger.Warn("clone failed", "session_id", sessionID, "url", redact(src.URL), "error", err)
		return dir, &SourceRetrievalError{URL: redact(src.URL), Err: err}
	}
	return dir, nil
}

// authFor picks credentials from the URL scheme.
func (r *Retriever) authFor(src Source) (transport.AuthMethod, error) {
	lower := strings.ToLower(strings.TrimSpace(src.URL))
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		if src.Token == "" {
			return nil, nil
		}
		user := src.Username
		if user == "" {
			user = DefaultHTTPUser
		}
		return &githttp.BasicAuth{Username: user, Password: src.Token}, nil
	case strings.HasPrefix(lower, "git@"), strings.HasPrefix(lower, "ssh://"):
		if len(bytes.TrimSpace(src.PrivateKey)) == 0 {
			return nil, ErrSSHKeyRequired
		}
		if r.keys == nil {
			return nil, errors.New("git: ssh key loader not configured")
		}
		auth, err := r.keys.Load(sshUser(src), src.PrivateKey, src.Passphrase)
		if err != nil {
			return nil, err
		}
		return auth, nil
	default:
		return nil, nil
	}
}

func sshUser(src Source) string {
	if strings.HasPrefix(strings.ToLower(src.URL), "ssh://") {
		if u, err := url.Parse(src.URL); err == nil && u.User != nil && u.User.Username() != "" {
			return u.User.Username()
		}
	}
	if at := strings.Index(src.URL, "@"); at > 0 && !strings.Contains(src.URL[:at], "/") {
		return src.URL[:at]
	}
	return sshkey.DefaultUser
}

// redact strips userinfo from http(s) URLs before they reach logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return raw
	}
	u.User = nil
	return u.String()
}

// progressWriter turns go-git sideband output into discrete lines. Carriage
// returns end a line just like newlines do.
type progressWriter struct {
	mu      sync.Mutex
	emit    func(string)
	partial []byte
	last    string
}

func newProgressWriter(emit func(string)) *progressWriter {
	return &progressWriter{emit: emit}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range b {
		if c == '\n' || c == '\r' {
			p.flushLocked()
			continue
		}
		p.partial = append(p.partial, c)
	}
	return len(b), nil
}

// Flush emits any trailing partial line.
func (p *progressWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

func (p *progressWriter) flushLocked() {
	line := strings.TrimSpace(string(p.partial))
	p.partial = p.partial[:0]
	if line == "" || line == p.last {
		return
	}
	p.last = line
	p.emit(line)
}
