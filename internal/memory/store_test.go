package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/johnstryder/agentgateway/internal/domain"
)

func dmWorkspace(t *testing.T) domain.Workspace {
	t.Helper()
	return domain.Workspace{Key: "discord/1/2", Path: t.TempDir(), IsDM: true}
}

func publicWorkspace(t *testing.T) domain.Workspace {
	t.Helper()
	return domain.Workspace{Key: "discord/1/guild-9", Path: t.TempDir(), IsDM: false}
}

func TestAdd_WhenPublic_ShouldAppendToPublicFile(t *testing.T) {
	ws := publicWorkspace(t)
	s := NewStore(0)

	ev, err := s.Add(ws, "the sky is blue", domain.VisibilityPublic, domain.ImportanceNormal)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ev.ID == "" {
		t.Error("expected non-empty id")
	}
	if !ev.Enabled {
		t.Error("expected new memory to be enabled")
	}

	path := filepath.Join(ws.Path, publicFile)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected %s to exist: %v", path, err)
	}
}

func TestAdd_WhenPrivateInNonDMWorkspace_ShouldReturnError(t *testing.T) {
	ws := publicWorkspace(t)
	s := NewStore(0)

	_, err := s.Add(ws, "secret", domain.VisibilityPrivate, domain.ImportanceNormal)
	if err == nil {
		t.Fatal("expected error saving private memory in non-DM workspace")
	}

	path := filepath.Join(ws.Path, privateFile)
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("expected private file to never be created, stat err=%v", statErr)
	}
}

func TestAdd_WhenPrivateInDM_ShouldSucceed(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	ev, err := s.Add(ws, "my birthday is in June", domain.VisibilityPrivate, domain.ImportanceHigh)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ev.Visibility != domain.VisibilityPrivate {
		t.Errorf("expected private visibility, got %q", ev.Visibility)
	}
}

func TestPatch_WhenTargetExists_ShouldUpdateResolvedState(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	ev, err := s.Add(ws, "likes coffee", domain.VisibilityPublic, domain.ImportanceNormal)
	if err != nil {
		t.Fatal(err)
	}

	high := domain.ImportanceHigh
	if _, err := s.Patch(ws, ev.ID, domain.MemoryChanges{Importance: &high}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	important, err := s.Important(ws)
	if err != nil {
		t.Fatalf("Important: %v", err)
	}
	if len(important) != 1 || important[0].ID != ev.ID {
		t.Fatalf("expected patched memory to resolve as important, got %+v", important)
	}
}

func TestPatch_WhenTargetDisabled_ShouldBeExcludedFromSearch(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	ev, err := s.Add(ws, "favorite color is teal", domain.VisibilityPublic, domain.ImportanceNormal)
	if err != nil {
		t.Fatal(err)
	}
	disabled := false
	if _, err := s.Patch(ws, ev.ID, domain.MemoryChanges{Enabled: &disabled}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	results, err := s.Search(ws, "teal", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected disabled memory to be excluded from search, got %+v", results)
	}
}

func TestPatch_WhenTargetUnknown_ShouldStillPersistWithoutError(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	if _, err := s.Patch(ws, "mem_does_not_exist", domain.MemoryChanges{}); err != nil {
		t.Fatalf("Patch on unknown target should not error: %v", err)
	}
}

func TestSearch_ShouldMatchAllTermsCaseInsensitive(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	if _, err := s.Add(ws, "The Quick Brown Fox", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ws, "a lazy dog sleeps", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ws, "quick fox", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one AND match, got %d", len(results))
	}
}

func TestSearch_ShouldOrderByTimestampDescending(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	first, err := s.Add(ws, "event alpha", domain.VisibilityPublic, domain.ImportanceNormal)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Add(ws, "event beta", domain.VisibilityPublic, domain.ImportanceNormal)
	if err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ws, "event", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != second.ID || results[1].ID != first.ID {
		t.Errorf("expected descending ts order, got %+v", results)
	}
}

func TestSearch_ShouldCapResultsAtLimit(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	for i := 0; i < 5; i++ {
		if _, err := s.Add(ws, fmt.Sprintf("note number %d", i), domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
			t.Fatal(err)
		}
	}

	results, err := s.Search(ws, "note", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit of 2 results, got %d", len(results))
	}
}

func TestSearch_ShouldTruncateContentToMaxChars(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(5)

	if _, err := s.Add(ws, "this content is definitely longer than five characters", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ws, "content", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if len(results[0].Content) != 5 {
		t.Errorf("expected content truncated to 5 chars, got %q", results[0].Content)
	}
}

func TestImportant_ShouldExcludeNormalImportance(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	if _, err := s.Add(ws, "mundane fact", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ws, "critical fact", domain.VisibilityPublic, domain.ImportanceHigh); err != nil {
		t.Fatal(err)
	}

	important, err := s.Important(ws)
	if err != nil {
		t.Fatalf("Important: %v", err)
	}
	if len(important) != 1 || important[0].Content != "critical fact" {
		t.Errorf("expected only high-importance memory, got %+v", important)
	}
}

func TestImportant_WhenNonDM_ShouldNotSeePrivateMemories(t *testing.T) {
	ws := publicWorkspace(t)
	s := NewStore(0)

	if _, err := s.Add(ws, "guild-visible fact", domain.VisibilityPublic, domain.ImportanceHigh); err != nil {
		t.Fatal(err)
	}

	important, err := s.Important(ws)
	if err != nil {
		t.Fatalf("Important: %v", err)
	}
	if len(important) != 1 {
		t.Fatalf("expected 1 public important memory, got %d", len(important))
	}
}

func TestResolveAll_ShouldSkipMalformedLinesWithoutFailing(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	if _, err := s.Add(ws, "valid memory", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(ws.Path, publicFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	results, err := s.Search(ws, "valid", 10)
	if err != nil {
		t.Fatalf("Search should tolerate malformed lines: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 valid result despite malformed line, got %d", len(results))
	}
}

func TestAppendToFile_WhenWriteStrFails_ShouldReturnError(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)
	s.writeStr = func(w io.Writer, content string) (int, error) {
		return 0, fmt.Errorf("injected write failure")
	}

	_, err := s.Add(ws, "will fail", domain.VisibilityPublic, domain.ImportanceNormal)
	if err == nil {
		t.Fatal("expected Add to propagate write failure")
	}
}

func TestAdd_LinesArePersistedAsOneJSONObjectPerLine(t *testing.T) {
	ws := dmWorkspace(t)
	s := NewStore(0)

	if _, err := s.Add(ws, "first", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(ws, "second", domain.VisibilityPublic, domain.ImportanceNormal); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(ws.Path, publicFile)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var ev domain.MemoryEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d not valid memory JSON: %v", count, err)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 lines, got %d", count)
	}
}
