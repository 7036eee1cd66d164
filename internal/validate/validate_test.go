package validate

import "testing"

func TestFilePath_AcceptsCleanAbsolutePath(t *testing.T) {
	got, err := FilePath("/var/log/nginx/access.log", false)
	if err != nil {
		t.Fatalf("FilePath: %v", err)
	}
	if got != "/var/log/nginx/access.log" {
		t.Fatalf("FilePath = %q, want unchanged input", got)
	}
}

func TestFilePath_RejectsTraversal(t *testing.T) {
	cases := []string{"/var/log/../etc/passwd", "/var/log/%2e%2e/etc/shadow"}
	for _, c := range cases {
		if _, err := FilePath(c, false); err == nil {
			t.Errorf("FilePath(%q) = nil error, want rejection", c)
		}
	}
}

func TestFilePath_RejectsShellMeta(t *testing.T) {
	if _, err := FilePath("/var/log/foo;rm -rf /.log", false); err == nil {
		t.Fatal("expected shell metacharacter rejection")
	}
}

func TestFilePath_StrictExtensionAllowList(t *testing.T) {
	if _, err := FilePath("/var/log/app.exe", true); err == nil {
		t.Fatal("expected strict mode to reject non-log extension")
	}
	if _, err := FilePath("/var/log/app.log", true); err != nil {
		t.Fatalf("FilePath strict .log: %v", err)
	}
}

func TestSourceName_AcceptsValid(t *testing.T) {
	for _, name := range []string{"nginx-access", "app_log.01", "A1"} {
		if _, err := SourceName(name); err != nil {
			t.Errorf("SourceName(%q): %v", name, err)
		}
	}
}

func TestSourceName_RejectsInvalidCharacters(t *testing.T) {
	for _, name := range []string{"has space", "slash/es", "semi;colon"} {
		if _, err := SourceName(name); err == nil {
			t.Errorf("SourceName(%q) = nil error, want rejection", name)
		}
	}
}

func TestSourceName_RejectsReserved(t *testing.T) {
	for _, name := range []string{"", ".", ".."} {
		if _, err := SourceName(name); err == nil {
			t.Errorf("SourceName(%q) = nil error, want reserved-name rejection", name)
		}
	}
}

func TestConfigValue_RejectsScriptInjection(t *testing.T) {
	if _, err := ConfigValue(KindMonitoringConfig, "<script>alert(1)</script>"); err == nil {
		t.Fatal("expected script injection rejection")
	}
}

func TestConfigValue_RejectsSQLMeta(t *testing.T) {
	if _, err := ConfigValue(KindNotificationConfig, "1 OR 1=1"); err == nil {
		t.Fatal("expected SQL meta rejection")
	}
}

func TestConfigValue_AcceptsPlainText(t *testing.T) {
	got, err := ConfigValue(KindMonitoringConfig, "notify on critical")
	if err != nil {
		t.Fatalf("ConfigValue: %v", err)
	}
	if got != "notify on critical" {
		t.Fatalf("ConfigValue = %q, want unchanged input", got)
	}
}
