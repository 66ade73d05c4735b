package utils

import "testing"

func TestEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_ENV", "value")
	if got := Env("PARLEY_TEST_ENV", "fallback"); got != "value" {
		t.Errorf("Expected %q, got %q", "value", got)
	}
	if got := Env("PARLEY_TEST_ENV_UNSET", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"anything", false},
	}
	for _, tc := range cases {
		t.Setenv("PARLEY_TEST_BOOL", tc.value)
		if got := EnvBool("PARLEY_TEST_BOOL", false); got != tc.want {
			t.Errorf("EnvBool(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
	if !EnvBool("PARLEY_TEST_BOOL_UNSET", true) {
		t.Error("Expected the default for an unset variable")
	}
}
