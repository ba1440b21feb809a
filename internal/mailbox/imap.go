// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Source is a mail folder the poller reads from.
type Source interface {
	// UIDValidity identifies the folder's UID numbering epoch.
	UIDValidity() uint32
	// Search returns message UIDs, optionally only unread ones and only
	// those received on or after since.
	Search(ctx context.Context, unseenOnly bool, since time.Time) ([]uint32, error)
	// Fetch returns the raw message without setting \Seen.
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Close() error
}

// IMAPConfig holds the connection settings for an IMAP folder.
type IMAPConfig struct {
	Addr     string
	Username string
	Password string
	Folder   string
	// Insecure disables TLS; only for local test servers.
	Insecure bool
}

// IMAP is a Source backed by one IMAP connection with the folder selected.
// go-imap clients are not safe for concurrent commands, so calls are
// serialised.
type IMAP struct {
	mu       sync.Mutex
	c        *client.Client
	validity uint32
}

// DialIMAP connects, logs in and selects the folder read-write.
func DialIMAP(cfg IMAPConfig) (*IMAP, error) {
	var (
		c   *client.Client
		err error
	)
	if cfg.Insecure {
		c, err = client.Dial(cfg.Addr)
	} else {
		host, _, splitErr := net.SplitHostPort(cfg.Addr)
		if splitErr != nil {
			host = cfg.Addr
		}
		c, err = client.DialTLS(cfg.Addr, &tls.Config{ServerName: host})
	}
	if err != nil {
		return nil, fmt.Errorf("connect to IMAP server %s: %w", cfg.Addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("IMAP login: %w", err)
	}

	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	status, err := c.Select(folder, false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	return &IMAP{c: c, validity: status.UidValidity}, nil
}

func (m *IMAP) UIDValidity() uint32 { return m.validity }

func (m *IMAP) Search(ctx context.Context, unseenOnly bool, since time.Time) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	if unseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return uids, nil
}

func (m *IMAP) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	m.mu.Lock()
	defer m.mu.Unlock()

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
	}()

	var raw []byte
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		b, err := io.ReadAll(body)
		if err != nil {
			<-done
			return nil, fmt.Errorf("read message %d: %w", uid, err)
		}
		raw = b
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", uid, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d has no body", uid)
	}
	return raw, nil
}

func (m *IMAP) MarkSeen(ctx context.Context, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	m.mu.Lock()
	defer m.mu.Unlock()
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("mark %d seen: %w", uid, err)
	}
	return nil
}

func (m *IMAP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c.Logout()
}
