// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var epoch = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := Open(Config{Path: filepath.Join(t.TempDir(), "catalog.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := catalog.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return catalog
}

func TestImagesNewestFirstPerClient(t *testing.T) {
	t.Parallel()
	catalog := openCatalog(t)
	ctx := context.Background()

	for i, client := range []string{"pi-1", "phone", "pi-1", "pi-1"} {
		_, err := catalog.AddImage(ctx, Image{
			ClientID:   client,
			StreamID:   "capture",
			Sequence:   uint32(i),
			Path:       filepath.Join("/images", client, string(rune('a'+i))+".jpg"),
			Format:     "jpg",
			Bytes:      int64(100 + i),
			Digest:     "digest",
			CapturedAt: epoch.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddImage %d: %v", i, err)
		}
	}

	images, err := catalog.ListImages(ctx, "pi-1", 0)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("pi-1 has %d images, want 3", len(images))
	}
	for i, want := range []uint32{3, 2, 0} {
		if images[i].Sequence != want {
			t.Errorf("images[%d].Sequence = %d, want %d", i, images[i].Sequence, want)
		}
	}
	if !images[0].CapturedAt.Equal(epoch.Add(3*time.Minute)) || images[0].Bytes != 103 {
		t.Errorf("newest image = %+v", images[0])
	}

	all, _ := catalog.ListImages(ctx, "", 2)
	if len(all) != 2 || all[0].Sequence != 3 || all[1].Sequence != 2 {
		t.Errorf("ListImages(all, 2) = %+v", all)
	}
}

func TestRecordings(t *testing.T) {
	t.Parallel()
	catalog := openCatalog(t)
	ctx := context.Background()

	id, err := catalog.AddRecording(ctx, Recording{
		ClientID:   "pi-1",
		StreamID:   "s1",
		Path:       "/recordings/s1_pi-1.avi",
		Frames:     3,
		Bytes:      4096,
		Digest:     "abc",
		StartedAt:  epoch,
		FinishedAt: epoch.Add(time.Second),
		Failed:     true,
	})
	if err != nil {
		t.Fatalf("AddRecording: %v", err)
	}
	if id == 0 {
		t.Error("AddRecording returned row id 0")
	}

	recordings, err := catalog.ListRecordings(ctx, "pi-1", 10)
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(recordings) != 1 {
		t.Fatalf("got %d recordings", len(recordings))
	}
	got := recordings[0]
	if got.ID != id || got.Frames != 3 || !got.Failed || !got.FinishedAt.Equal(epoch.Add(time.Second)) {
		t.Errorf("recording = %+v", got)
	}
	if others, _ := catalog.ListRecordings(ctx, "phone", 10); len(others) != 0 {
		t.Errorf("phone has recordings: %+v", others)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "catalog.db")
	first, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	first.AddImage(context.Background(), Image{ClientID: "pi-1", Path: "/a.jpg", CapturedAt: epoch})
	first.Close()

	second, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	images, _ := second.ListImages(context.Background(), "pi-1", 0)
	if len(images) != 1 {
		t.Fatalf("after reopen: %d images", len(images))
	}
}
