package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-project/drover/internal/types"
)

func TestDefaults(t *testing.T) {
	s := Defaults()
	assert.Equal(t, "https://localhost:8000/", s.URL)
	assert.Equal(t, "auto", s.Eauth)
	assert.NotEmpty(t, s.CacheFile)
	assert.Empty(t, s.User)
	assert.Empty(t, s.Password)
}

// TestOverlayFile 测试配置文件叠加
func TestOverlayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	content := "url: https://salt.example.com:8000/\nuser: ops\neauth: pam\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	s, err := OverlayFile(Defaults(), path)
	require.NoError(t, err)
	assert.Equal(t, "https://salt.example.com:8000/", s.URL)
	assert.Equal(t, "ops", s.User)
	assert.Equal(t, "pam", s.Eauth)
	// 文件中未出现的字段保持原值
	assert.Equal(t, Defaults().CacheFile, s.CacheFile)
}

func TestOverlayFileMissing(t *testing.T) {
	s, err := OverlayFile(Defaults(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err, "缺失的配置文件不是错误")
	assert.Equal(t, Defaults(), s)
}

func TestOverlayFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: [unclosed"), 0600))

	_, err := OverlayFile(Defaults(), path)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

// TestOverlayEnv 测试环境变量叠加与 kerberos 密码清除
func TestOverlayEnv(t *testing.T) {
	t.Setenv(EnvURL, "http://envhost:8000")
	t.Setenv(EnvUser, "envuser")
	t.Setenv(EnvPass, "envpass")
	t.Setenv(EnvEauth, "")

	s := OverlayEnv(Defaults())
	assert.Equal(t, "http://envhost:8000", s.URL)
	assert.Equal(t, "envuser", s.User)
	assert.Equal(t, "envpass", s.Password)
	assert.Equal(t, "auto", s.Eauth, "未设置的环境变量不覆盖")
}

func TestOverlayEnvKerberosDropsPassword(t *testing.T) {
	t.Setenv(EnvURL, "")
	t.Setenv(EnvUser, "")
	t.Setenv(EnvPass, "secret")
	t.Setenv(EnvEauth, "kerberos")

	s := OverlayEnv(Defaults())
	assert.Equal(t, "kerberos", s.Eauth)
	assert.Empty(t, s.Password, "kerberos 会话不携带密码")
}

func TestOverlayOverrides(t *testing.T) {
	base := Defaults()
	base.User = "filed"

	s := OverlayOverrides(base, Overrides{User: "cli", CacheFile: "/tmp/cache"})
	assert.Equal(t, "cli", s.User, "命令行覆盖文件值")
	assert.Equal(t, "/tmp/cache", s.CacheFile)
	assert.Equal(t, base.URL, s.URL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"完整凭证", func(s *Settings) { s.User = "u"; s.Password = "p" }, false},
		{"缺用户名", func(s *Settings) { s.Password = "p" }, true},
		{"缺密码", func(s *Settings) { s.User = "u" }, true},
		{"kerberos 无需密码", func(s *Settings) { s.User = "u"; s.Eauth = "kerberos" }, false},
		{"缺 URL", func(s *Settings) { s.URL = ""; s.User = "u"; s.Password = "p" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrConfiguration))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// TestPromptMissing 测试交互式补全的固定顺序
func TestPromptMissing(t *testing.T) {
	asked := []string{}
	p := &Prompter{
		ReadLine: func(prompt string) (string, error) {
			asked = append(asked, prompt)
			return "promptuser", nil
		},
		ReadSecret: func(prompt string) (string, error) {
			asked = append(asked, prompt)
			return "promptpass", nil
		},
	}

	s := Defaults()
	s, err := PromptMissing(s, p)
	require.NoError(t, err)
	assert.Equal(t, "promptuser", s.User)
	assert.Equal(t, "promptpass", s.Password)
	assert.Equal(t, []string{"Username: ", "Password: "}, asked)
}

func TestPromptMissingSkipsProvided(t *testing.T) {
	p := &Prompter{
		ReadLine:   func(string) (string, error) { t.Fatal("不应提示用户名"); return "", nil },
		ReadSecret: func(string) (string, error) { return "prompted", nil },
	}

	s := Defaults()
	s.User = "given"
	s, err := PromptMissing(s, p)
	require.NoError(t, err)
	assert.Equal(t, "given", s.User)
	assert.Equal(t, "prompted", s.Password)
}

func TestPromptMissingKerberosSkipsPassword(t *testing.T) {
	p := &Prompter{
		ReadLine:   func(string) (string, error) { return "u", nil },
		ReadSecret: func(string) (string, error) { t.Fatal("kerberos 不应提示密码"); return "", nil },
	}

	s := Defaults()
	s.Eauth = "kerberos"
	s, err := PromptMissing(s, p)
	require.NoError(t, err)
	assert.Empty(t, s.Password)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "drover.yaml")

	s := Defaults()
	s.User = "saver"
	s.Password = "sekrit"
	require.NoError(t, s.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := OverlayFile(Defaults(), path)
	require.NoError(t, err)
	assert.Equal(t, "saver", got.User)
	assert.Equal(t, "sekrit", got.Password)
}
