package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"kiln/api/config"
	"kiln/api/lock"
	"kiln/api/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestManager(t *testing.T) (*StatusManager, config.Layout) {
	t.Helper()
	layout := config.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	statusLock := lock.New(layout.Locks(), lock.NameStatus, lock.WithPollInterval(time.Millisecond))
	return NewStatusManager(layout, statusLock, Options{SiteName: "site", HostName: "host", Now: clock.Now}), layout
}

func runToSuccess(t *testing.T, m *StatusManager, id string) *model.StatusFile {
	t.Helper()
	ctx := context.Background()
	sf, err := m.Create(ctx, id, &model.DeploymentInfo{Deployer: "git"})
	if err != nil {
		t.Fatalf("Create(%s): %v", id, err)
	}
	for _, s := range []model.DeployStatus{model.StatusBuilding, model.StatusDeploying, model.StatusSuccess} {
		if err := m.Transition(ctx, sf, s, ""); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	return sf
}

func TestCreateAndOpen(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sf, err := m.Create(ctx, "abc123", &model.DeploymentInfo{Deployer: "GitHub", Author: "dev", Message: "fix"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := m.Open(ctx, "abc123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff(sf, got); diff != "" {
		t.Errorf("Open mismatch (-created +opened):\n%s", diff)
	}
	if got.Status != model.StatusPending || got.SiteName != "site" {
		t.Errorf("record = %+v", got)
	}
}

func TestOpenMissing(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Open(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.Open(context.Background(), "../etc"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("err = %v, want ErrInvalidID", err)
	}
}

func TestOpenCorruptRecordSelfHeals(t *testing.T) {
	m, layout := newTestManager(t)
	os.MkdirAll(layout.DeploymentDir("broken"), 0o755)
	os.WriteFile(layout.StatusPath("broken"), []byte(`{"id": "broken", "status": `), 0o644)

	if _, err := m.Open(context.Background(), "broken"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(layout.DeploymentDir("broken")); !os.IsNotExist(err) {
		t.Error("corrupt record directory not removed")
	}
}

func TestStatusMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sf := runToSuccess(t, m, "abc123")

	for _, s := range []model.DeployStatus{model.StatusPending, model.StatusBuilding, model.StatusDeploying, model.StatusFailed} {
		if err := m.Transition(ctx, sf, s, ""); !errors.Is(err, model.ErrInvalidTransition) {
			t.Errorf("success -> %s: err = %v, want ErrInvalidTransition", s, err)
		}
	}
	got, _ := m.Open(ctx, "abc123")
	if got.Status != model.StatusSuccess || !got.Complete {
		t.Errorf("status = %s complete = %v", got.Status, got.Complete)
	}
	if got.EndTime == nil || got.LastSuccessEndTime == nil || got.StartTime == nil {
		t.Error("timestamps not stamped")
	}
}

func TestCreateResetsExisting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	first := runToSuccess(t, m, "abc123")

	again, err := m.Create(ctx, "abc123", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != model.StatusPending || again.Complete || again.EndTime != nil {
		t.Errorf("retry record = %+v", again)
	}
	if !again.ReceivedTime.After(first.ReceivedTime) {
		t.Error("ReceivedTime not refreshed on retry")
	}
	if again.LastSuccessEndTime == nil {
		t.Error("LastSuccessEndTime lost on retry")
	}
}

func TestTemporaryRecords(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	tmp, err := m.CreateTemporary(ctx, "zipdeploy", "Fetching changes")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(tmp.ID, "temp-") || len(tmp.ID) != len("temp-")+8 || !tmp.IsTemp {
		t.Errorf("temporary record = %+v", tmp)
	}
	list, _ := m.List(ctx)
	if len(list) != 0 {
		t.Errorf("List includes temporary records: %d", len(list))
	}
	if err := m.Delete(ctx, tmp.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestActivePointer(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.ActiveDeploymentID(ctx)
	if err != nil || id != "" {
		t.Fatalf("ActiveDeploymentID = %q, %v", id, err)
	}
	runToSuccess(t, m, "abc123")
	before := m.LastModified()
	if err := m.SetActiveDeploymentID(ctx, "abc123"); err != nil {
		t.Fatal(err)
	}
	id, _ = m.ActiveDeploymentID(ctx)
	if id != "abc123" {
		t.Errorf("ActiveDeploymentID = %q", id)
	}
	if m.LastModified().Before(before) {
		t.Error("LastModified went backwards")
	}
	sf, _ := m.Open(ctx, "abc123")
	if !sf.Active {
		t.Error("Active not computed on read")
	}
	if err := m.Delete(ctx, "abc123"); !errors.Is(err, ErrActive) {
		t.Errorf("Delete active: err = %v, want ErrActive", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	for _, id := range []string{"one", "two", "three"} {
		runToSuccess(t, m, id)
	}
	list, err := m.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, sf := range list {
		ids = append(ids, sf.ID)
	}
	if diff := cmp.Diff([]string{"three", "two", "one"}, ids); diff != "" {
		t.Errorf("List order (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		runToSuccess(t, m, fmt.Sprintf("d%d", i))
	}
	m.SetActiveDeploymentID(ctx, "d0")
	if _, err := m.Create(ctx, "d1", nil); err != nil { // d1 in flight again
		t.Fatal(err)
	}

	removed, err := m.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if diff := cmp.Diff([]string{"d4", "d3", "d2"}, removed); diff != "" {
		t.Errorf("removed (-want +got):\n%s", diff)
	}
	list, _ := m.List(ctx)
	var ids []string
	for _, sf := range list {
		ids = append(ids, sf.ID)
	}
	if diff := cmp.Diff([]string{"d1", "d5", "d0"}, ids); diff != "" {
		t.Errorf("remaining (-want +got):\n%s", diff)
	}

	if removed, _ := m.Prune(ctx, 0); removed != nil {
		t.Errorf("Prune(0) removed %v", removed)
	}
}

func TestRecoverInFlight(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	sf, _ := m.Create(ctx, "crashed", nil)
	m.Transition(ctx, sf, model.StatusBuilding, "")
	runToSuccess(t, m, "done")
	tmp, _ := m.CreateTemporary(ctx, "git", "Fetching changes")

	n, err := m.RecoverInFlight(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d records, want 2", n)
	}
	got, _ := m.Open(ctx, "crashed")
	if got.Status != model.StatusFailed {
		t.Errorf("crashed status = %s, want failed", got.Status)
	}
	if _, err := m.Open(ctx, tmp.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("temporary record survived recovery")
	}
	done, _ := m.Open(ctx, "done")
	if done.Status != model.StatusSuccess {
		t.Errorf("done status = %s", done.Status)
	}
}

func TestDeploymentLog(t *testing.T) {
	m, _ := newTestManager(t)
	log := m.Log("abc123")
	log.Log(model.LogMessage, "Updating to %s", "abc123")
	log.Log(model.LogWarning, "npm WARN deprecated")
	log.Log(model.LogError, "exit status 1")

	entries, err := log.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Message != "Updating to abc123" || entries[2].Type != model.LogError {
		t.Errorf("entries = %+v", entries)
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Error("entry ids not unique")
	}

	empty, err := m.Log("other").Entries()
	if err != nil || len(empty) != 0 {
		t.Errorf("missing log = %v, %v", empty, err)
	}
}
