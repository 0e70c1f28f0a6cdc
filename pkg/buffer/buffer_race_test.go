package buffer_test

import (
	"sync"
	"testing"

	"github.com/relaymesh/goproxy/pkg/buffer"
)

func TestBodyConcurrentClose(t *testing.T) {
	buf := buffer.NewBody(1024)

	data := []byte("test data for concurrent close")
	_, err := buf.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var wg sync.WaitGroup
	errorCount := 0
	mu := sync.Mutex{}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := buf.Close(); err != nil {
				mu.Lock()
				errorCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if errorCount > 0 {
		t.Errorf("expected no errors from concurrent Close(), got %d errors", errorCount)
	}
}

func TestBodyDoubleClose(t *testing.T) {
	buf := buffer.NewBody(1024)

	data := []byte("test data")
	_, err := buf.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err = buf.Close()
	if err != nil {
		t.Errorf("first Close() failed: %v", err)
	}

	err = buf.Close()
	if err != nil {
		t.Errorf("second Close() should not error, got: %v", err)
	}

	err = buf.Close()
	if err != nil {
		t.Errorf("third Close() should not error, got: %v", err)
	}
}

func TestBodyResetAfterClose(t *testing.T) {
	buf := buffer.NewBody(1024)

	data := []byte("initial data")
	_, err := buf.Write(data)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	err = buf.Close()
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err = buf.Reset()
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}

	newData := []byte("new data after reset")
	_, err = buf.Write(newData)
	if err != nil {
		t.Errorf("write after reset failed: %v", err)
	}

	if buf.Size() != int64(len(newData)) {
		t.Errorf("expected size %d after reset, got %d", len(newData), buf.Size())
	}
}

func TestBodyConcurrentWriteAndClose(t *testing.T) {
	buf := buffer.NewBody(10)

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			data := []byte("data from writer")
			buf.Write(data)
		}(i)
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf.Close()
		}()
	}

	wg.Wait()
	buf.Close()

	t.Log("concurrent write and close handled safely")
}
