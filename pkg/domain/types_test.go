package domain_test

import (
	"errors"
	"testing"

	"trackshield/pkg/domain"
)

func TestParsePrivacyMode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    domain.PrivacyMode
		wantErr bool
	}{
		{"low", "low", domain.ModeLow, false},
		{"大写与空白", "  STRICT ", domain.ModeStrict, false},
		{"moderate", "moderate", domain.ModeModerate, false},
		{"非法值", "paranoid", "", true},
		{"空字符串", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := domain.ParsePrivacyMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMode) {
					t.Errorf("预期 ErrInvalidMode，实际 %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNavigationEvent_IsTopLevel(t *testing.T) {
	if !(domain.NavigationEvent{FrameID: 0}).IsTopLevel() {
		t.Error("frameId 0 应为顶层导航")
	}
	if (domain.NavigationEvent{FrameID: 3}).IsTopLevel() {
		t.Error("frameId 3 不应为顶层导航")
	}
}

func TestStats_Total(t *testing.T) {
	s := domain.Stats{FirstParty: 3, ThirdParty: 5}
	if s.Total() != 8 {
		t.Errorf("got %d, want 8", s.Total())
	}
}
