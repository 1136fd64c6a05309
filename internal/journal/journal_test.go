package journal

import (
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	j := openTestJournal(t)

	r := &Record{Operation: OpMount, MountPoint: "/run/media/deck/games"}
	if err := j.Append(r); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r.ID == 0 {
		t.Error("ID not assigned")
	}
	if r.Timestamp.IsZero() {
		t.Error("Timestamp not assigned")
	}

	count, err := j.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

func TestRecentIsNewestFirst(t *testing.T) {
	j := openTestJournal(t)

	for _, op := range []string{OpUpsertEntry, OpMount, OpUnmount} {
		if err := j.Append(&Record{Operation: op}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Operation != OpUnmount || records[1].Operation != OpMount {
		t.Errorf("order = %s, %s", records[0].Operation, records[1].Operation)
	}
}

func TestForIdentity(t *testing.T) {
	j := openTestJournal(t)

	appends := []Record{
		{Operation: OpUpsertEntry, Identity: "UUID=abcd-1234"},
		{Operation: OpMount, Identity: "UUID=abcd-1234"},
		{Operation: OpUpsertEntry, Identity: "PARTUUID=00aa11bb-02"},
	}
	for i := range appends {
		if err := j.Append(&appends[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	records, err := j.ForIdentity("UUID=abcd-1234")
	if err != nil {
		t.Fatalf("ForIdentity: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Operation != OpUpsertEntry || records[1].Operation != OpMount {
		t.Errorf("order = %s, %s", records[0].Operation, records[1].Operation)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Append(&Record{Operation: OpRepair, Detail: "/dev/sda1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count after reopen = %d, want 1", count)
	}
}
