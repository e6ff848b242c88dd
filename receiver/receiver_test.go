/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package receiver

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHandleDeliversOnce(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()
	h := NewHandler(loop)
	var fired int32
	got := make(chan int, 2)
	ha := NewHandle(h, func(v int) {
		atomic.AddInt32(&fired, 1)
		got <- v
	})
	if !ha.Deliver(42) {
		t.Fatal("first deliver failed")
	}
	if ha.Deliver(43) {
		t.Fatal("second deliver accepted")
	}
	select {
	case v := <-got:
		if v != 42 {
			t.Fatal("bad value", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("continuation ran more than once")
	}
}

func TestStopReceivingMakesDeliveryNoop(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()
	h := NewHandler(loop)
	ha := NewHandle(h, func(v int) {
		t.Error("continuation ran after stop")
	})
	h.StopReceiving()
	ha.Deliver(1)
	//give the loop a chance to misbehave
	time.Sleep(50 * time.Millisecond)
	//a stopped handler must refuse new handles
	if NewHandle(h, func(int) {}) != nil {
		t.Fatal("stopped handler produced a handle")
	}
}

func TestReentrantHandleChains(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()
	h := NewHandler(loop)
	done := make(chan int, 1)
	ha := NewReentrantHandle(h, func(self *ReentrantHandle[int], v int) {
		if v < 3 {
			self.Deliver(v + 1)
			return
		}
		done <- v
	})
	ha.Deliver(0)
	select {
	case v := <-done:
		if v != 3 {
			t.Fatal("bad chain result", v)
		}
	case <-time.After(time.Second):
		t.Fatal("chain never completed")
	}
}

func TestSync(t *testing.T) {
	v, err := Sync(time.Second, func(deliver func(string)) {
		go deliver(`done`)
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != `done` {
		t.Fatal("bad value", v)
	}
	_, err = Sync(50*time.Millisecond, func(deliver func(string)) {
		//never delivers
	})
	if err != ErrTimeout {
		t.Fatal("expected timeout, got", err)
	}
}

func TestLoopOrdering(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()
	var order []int
	done := make(chan bool, 1)
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() {
			order = append(order, i)
			if i == 99 {
				done <- true
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop stalled")
	}
	for i, v := range order {
		if i != v {
			t.Fatal("events ran out of order")
		}
	}
}
