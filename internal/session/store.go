// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/chat"
	"github.com/parlancehq/parlance/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when no conversation has the given id.
	ErrNotFound = errors.New("conversation not found")
)

// =============================================================================
// STORE
// =============================================================================

// DefaultMaxConversations bounds how many conversations a project
// keeps; the oldest are pruned past the limit. Zero disables pruning.
const DefaultMaxConversations = 200

// Meta is the listing entry for a saved conversation.
type Meta struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// Store persists conversations as one JSON file each, namespaced by
// project: <base>/<project>/<id>.json. Writes are atomic.
type Store struct {
	// BaseDir is the storage root. Default: ~/.parlance/conversations.
	BaseDir string

	// MaxConversations prunes the oldest conversations per project.
	MaxConversations int
}

// NewStore creates a store rooted at the default location.
func NewStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return NewStoreWithDir(filepath.Join(home, ".parlance", "conversations"))
}

// NewStoreWithDir creates a store rooted at dir.
func NewStoreWithDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{BaseDir: dir, MaxConversations: DefaultMaxConversations}, nil
}

// filePath maps a conversation to its JSON file.
func (s *Store) filePath(project, id string) string {
	return filepath.Join(s.projectDir(project), id+".json")
}

// projectDir maps a project name to its namespace directory.
func (s *Store) projectDir(project string) string {
	if project == "" {
		project = "default"
	}
	return filepath.Join(s.BaseDir, sanitizeName(project))
}

// sanitizeName keeps project directory names filesystem-safe.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// Save writes the conversation. The updated timestamp is refreshed.
func (s *Store) Save(conv *chat.Conversation) error {
	conv.UpdatedAt = time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = conv.UpdatedAt
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if err := util.AtomicWriteFile(s.filePath(conv.Project, conv.ID), data, 0o644); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}

	if s.MaxConversations > 0 {
		s.prune(conv.Project)
	}
	return nil
}

// Load reads one conversation by id.
func (s *Store) Load(project, id string) (*chat.Conversation, error) {
	data, err := os.ReadFile(s.filePath(project, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Delete removes one conversation.
func (s *Store) Delete(project, id string) error {
	err := os.Remove(s.filePath(project, id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// List returns the project's conversations, most recent first.
func (s *Store) List(project string) ([]Meta, error) {
	entries, err := os.ReadDir(s.projectDir(project))
	if err != nil {
		if os.IsNotExist(err) {
			return []Meta{}, nil
		}
		return nil, err
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.Load(project, id)
		if err != nil {
			// A corrupt file should not hide the rest of the list.
			continue
		}
		metas = append(metas, metaOf(conv))
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search returns conversations whose title or turn text contains the
// query, case-insensitively. Most recent first.
func (s *Store) Search(project, query string) ([]Meta, error) {
	metas, err := s.List(project)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	matched := metas[:0]
	for _, m := range metas {
		if strings.Contains(strings.ToLower(m.Title), needle) {
			matched = append(matched, m)
			continue
		}
		conv, err := s.Load(project, m.ID)
		if err != nil {
			continue
		}
		for _, turn := range conv.Turns {
			if strings.Contains(strings.ToLower(turn.Display), needle) {
				matched = append(matched, m)
				break
			}
		}
	}
	return matched, nil
}

// prune removes the oldest conversations past the limit.
func (s *Store) prune(project string) {
	metas, err := s.List(project)
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	// List is most recent first; everything past the limit goes.
	for _, m := range metas[s.MaxConversations:] {
		_ = s.Delete(project, m.ID)
	}
}

// metaOf derives the listing entry for a conversation.
func metaOf(conv *chat.Conversation) Meta {
	return Meta{
		ID:        conv.ID,
		Project:   conv.Project,
		Title:     conv.Title(),
		Model:     conv.Model,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		TurnCount: len(conv.Turns),
	}
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders a conversation as a Markdown transcript.
func ExportMarkdown(conv *chat.Conversation) string {
	var sb strings.Builder
	sb.WriteString("# " + conv.Title() + "\n\n")
	sb.WriteString("Model: " + conv.Model + "\n\n")
	sb.WriteString("Created: " + conv.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, turn := range conv.Turns {
		label := "**User**"
		if turn.Role == chat.RoleAssistant {
			label = "**Assistant**"
		}
		sb.WriteString(label + " (" + turn.CreatedAt.Format("15:04") + "):\n\n")
		sb.WriteString(turn.Display)
		sb.WriteString("\n\n")

		for _, inv := range chat.Invocations(turn.Segments) {
			sb.WriteString("> tool `" + inv.Call.ToolName + "`\n\n")
		}
		sb.WriteString("---\n\n")
	}
	return sb.String()
}
