package persist_test

import (
	"errors"
	"testing"

	"trackshield/internal/logger"
	"trackshield/internal/persist"
)

func TestBestEffort(t *testing.T) {
	log := logger.NewNop()

	if o := persist.BestEffort(log, "ok", func() error { return nil }); !o.OK() {
		t.Errorf("预期成功，实际 %v", o.Err)
	}

	boom := errors.New("disk full")
	o := persist.BestEffort(log, "write", func() error { return boom })
	if o.OK() || !errors.Is(o.Err, boom) || o.Op != "write" {
		t.Errorf("错误未被记录到结果中: %+v", o)
	}

	o = persist.BestEffort(nil, "panic", func() error { panic("nil map") })
	if o.OK() {
		t.Error("panic 应转换为错误结果")
	}
}
