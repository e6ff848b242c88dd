/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tvfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravwell/ftpd/receiver"
)

func TestAsyncGetEntryDelivers(t *testing.T) {
	native := t.TempDir()
	os.WriteFile(filepath.Join(native, `f`), []byte(`abc`), 0644)
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	loop := receiver.NewLoop()
	defer loop.Close()
	h := receiver.NewHandler(loop)
	got := make(chan EntryResult, 1)
	e.AsyncGetEntry(h, `/f`, func(res EntryResult) {
		got <- res
	})
	select {
	case res := <-got:
		if !res.Res.OK() || res.Entry.Size != 3 {
			t.Fatal("bad async result", res.Res.Kind, res.Entry.Size)
		}
	case <-time.After(time.Second):
		t.Fatal("async result never arrived")
	}
}

func TestAsyncAbortedReceiveIsNoop(t *testing.T) {
	native := t.TempDir()
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	loop := receiver.NewLoop()
	defer loop.Close()
	h := receiver.NewHandler(loop)
	//aborting turns the pending receive into a no-op
	h.StopReceiving()
	e.AsyncGetEntries(h, `/`, TraversalOnlyChildren, ``, func(res EntriesResult) {
		t.Error("continuation ran after the handler stopped")
	})
	time.Sleep(100 * time.Millisecond)
}

func TestAsyncOpenFileClosesOrphanedHandle(t *testing.T) {
	native := t.TempDir()
	os.WriteFile(filepath.Join(native, `f`), []byte(`abc`), 0644)
	e := newTestEngine(t, []MountPoint{rwMount(`/`, native)})
	loop := receiver.NewLoop()
	defer loop.Close()
	h := receiver.NewHandler(loop)
	h.StopReceiving()
	//with a dead handler the open still runs, and the orphaned
	//descriptor must be closed by the async layer
	e.AsyncOpenFile(h, `/f`, OpenReading, 0, func(res OpenFileResult) {
		t.Error("continuation ran on a stopped handler")
	})
	time.Sleep(100 * time.Millisecond)
}
