// Package memory implements the append-only JSONL Memory Log (§3, §4.2):
// memory and patch events are appended per workspace and folded into the
// resolved view on read.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/johnstryder/agentgateway/internal/domain"
	"github.com/johnstryder/agentgateway/internal/queue"
)

const (
	publicFile  = "memory.public.jsonl"
	privateFile = "memory.private.jsonl"
)

// ErrPrivateInNonDM is returned when a private-visibility save is attempted
// in a workspace that is not a DM.
var ErrPrivateInNonDM = errors.New("memory: private memories can only be saved in DM contexts")

// writeStringFunc lets tests inject a failing writer.
type writeStringFunc func(io.Writer, string) (int, error)

// Store is a FileMemoryStore-shaped MemoryStore implementation: one JSONL
// file per visibility per workspace, single-writer-per-path serialized
// through a queue.LaneQueue lane keyed on the file path, guaranteeing that
// appends to one file are never interleaved (§5 "memory log writes are
// serialized").
type Store struct {
	maxChars int
	writeStr writeStringFunc // nil means use file.WriteString

	lanes *queue.LaneQueue
}

// NewStore returns a Store that caps per-result content at maxChars when
// searching (0 disables truncation).
func NewStore(maxChars int) *Store {
	return &Store{maxChars: maxChars, lanes: queue.NewLaneQueue()}
}

// Add appends a new memory event to the workspace's visibility-scoped file.
func (s *Store) Add(ws domain.Workspace, content string, visibility domain.Visibility, importance domain.Importance) (domain.MemoryEvent, error) {
	if visibility == domain.VisibilityPrivate && !ws.IsDM {
		return domain.MemoryEvent{}, ErrPrivateInNonDM
	}
	ev := domain.MemoryEvent{
		Type:       "memory",
		ID:         newID(),
		TS:         time.Now().UTC(),
		Enabled:    true,
		Visibility: visibility,
		Importance: importance,
		Content:    content,
	}
	path, err := s.pathFor(ws, visibility)
	if err != nil {
		return domain.MemoryEvent{}, err
	}
	if err := s.appendJSON(path, ev); err != nil {
		return domain.MemoryEvent{}, fmt.Errorf("memory: append: %w", err)
	}
	return ev, nil
}

// Patch appends a patch event. A patch whose target has no matching memory
// is still persisted; it simply has no resolution effect (§3, §9).
func (s *Store) Patch(ws domain.Workspace, targetID string, changes domain.MemoryChanges) (domain.PatchEvent, error) {
	p := domain.PatchEvent{
		Type:     "patch",
		TargetID: targetID,
		TS:       time.Now().UTC(),
		Changes:  changes,
	}
	// A patch is appended to whichever file currently holds the target
	// memory; if unknown, default to the public file (patches on private
	// memories are only issued by sessions that can see them).
	path, found, err := s.locateMemoryFile(ws, targetID)
	if err != nil {
		return domain.PatchEvent{}, err
	}
	if !found {
		path, err = s.pathFor(ws, domain.VisibilityPublic)
		if err != nil {
			return domain.PatchEvent{}, err
		}
	}
	if err := s.appendJSON(path, p); err != nil {
		return domain.PatchEvent{}, fmt.Errorf("memory: append patch: %w", err)
	}
	return p, nil
}

// Important returns all enabled memories with importance=high, across every
// visibility file the workspace is permitted to read, in ascending ts order.
func (s *Store) Important(ws domain.Workspace) ([]domain.ResolvedMemory, error) {
	all, err := s.resolveAll(ws)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ResolvedMemory, 0, len(all))
	for _, m := range all {
		if m.Enabled && m.Importance == domain.ImportanceHigh {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out, nil
}

// Search performs case-insensitive substring+AND search over content,
// ordered by ts descending, capped to limit results and maxChars per result.
func (s *Store) Search(ws domain.Workspace, query string, limit int) ([]domain.ResolvedMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	all, err := s.resolveAll(ws)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	sort.Slice(all, func(i, j int) bool { return all[i].TS.After(all[j].TS) })

	out := make([]domain.ResolvedMemory, 0, limit)
	for _, m := range all {
		if !m.Enabled {
			continue
		}
		lower := strings.ToLower(m.Content)
		matched := true
		for _, term := range terms {
			if !strings.Contains(lower, term) {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		if s.maxChars > 0 && len(m.Content) > s.maxChars {
			m.Content = m.Content[:s.maxChars]
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// resolveAll folds every visibility file the workspace may read (private
// only for DM workspaces) into one ordered set of resolved memories.
func (s *Store) resolveAll(ws domain.Workspace) ([]domain.ResolvedMemory, error) {
	visibilities := []domain.Visibility{domain.VisibilityPublic}
	if ws.IsDM {
		visibilities = append(visibilities, domain.VisibilityPrivate)
	}
	resolved := make(map[string]domain.ResolvedMemory)
	order := make([]string, 0)
	for _, vis := range visibilities {
		path, err := s.pathFor(ws, vis)
		if err != nil {
			return nil, err
		}
		if err := foldFile(path, resolved, &order); err != nil {
			return nil, err
		}
	}
	out := make([]domain.ResolvedMemory, 0, len(order))
	for _, id := range order {
		out = append(out, resolved[id])
	}
	return out, nil
}

// locateMemoryFile reports which file (if any) currently contains the
// original memory event with the given id.
func (s *Store) locateMemoryFile(ws domain.Workspace, id string) (string, bool, error) {
	visibilities := []domain.Visibility{domain.VisibilityPublic}
	if ws.IsDM {
		visibilities = append(visibilities, domain.VisibilityPrivate)
	}
	for _, vis := range visibilities {
		path, err := s.pathFor(ws, vis)
		if err != nil {
			return "", false, err
		}
		found, err := fileContainsMemoryID(path, id)
		if err != nil {
			return "", false, err
		}
		if found {
			return path, true, nil
		}
	}
	return "", false, nil
}

func fileContainsMemoryID(path, id string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var typeOnly struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(line, &typeOnly); err != nil {
			continue
		}
		if typeOnly.Type == "memory" && typeOnly.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// foldFile streams path, folding each memory/patch line into resolved
// (keyed by id) and appending new ids to order in first-seen sequence.
// Malformed lines are skipped, not fatal (§4.2, §9).
func foldFile(path string, resolved map[string]domain.ResolvedMemory, order *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var typeOnly struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &typeOnly); err != nil {
			skipped++
			continue
		}
		switch typeOnly.Type {
		case "memory":
			var ev domain.MemoryEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				skipped++
				continue
			}
			resolved[ev.ID] = domain.ResolvedMemory{
				ID: ev.ID, TS: ev.TS, Enabled: ev.Enabled,
				Visibility: ev.Visibility, Importance: ev.Importance, Content: ev.Content,
			}
			*order = append(*order, ev.ID)
		case "patch":
			var p domain.PatchEvent
			if err := json.Unmarshal([]byte(line), &p); err != nil {
				skipped++
				continue
			}
			m, ok := resolved[p.TargetID]
			if !ok {
				continue // unknown target: persisted already, no resolution effect
			}
			if p.Changes.Enabled != nil {
				m.Enabled = *p.Changes.Enabled
			}
			if p.Changes.Visibility != nil {
				m.Visibility = *p.Changes.Visibility
			}
			if p.Changes.Importance != nil {
				m.Importance = *p.Changes.Importance
			}
			resolved[p.TargetID] = m
		default:
			skipped++
		}
	}
	return scanner.Err()
}

func (s *Store) pathFor(ws domain.Workspace, visibility domain.Visibility) (string, error) {
	if visibility == domain.VisibilityPrivate {
		if !ws.IsDM {
			return "", ErrPrivateInNonDM
		}
		return filepath.Join(ws.Path, privateFile), nil
	}
	return filepath.Join(ws.Path, publicFile), nil
}

func (s *Store) appendJSON(path string, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.appendToFile(path, string(line)+"\n")
}

func (s *Store) appendToFile(path, content string) error {
	return s.lanes.Do(context.Background(), path, func() error {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		var writeErr error
		if s.writeStr != nil {
			_, writeErr = s.writeStr(file, content)
		} else {
			_, writeErr = file.WriteString(content)
		}
		closeErr := file.Close()
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	})
}

func newID() string {
	return fmt.Sprintf("mem_%d_%s", time.Now().UnixNano(), uuid.New().String()[:8])
}

// Ensure Store implements domain.MemoryStore.
var _ domain.MemoryStore = (*Store)(nil)
