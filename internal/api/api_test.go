package api

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-project/drover/internal/authcache"
	"github.com/drover-project/drover/internal/saltmock"
	"github.com/drover-project/drover/internal/types"
)

func TestNewValidatesURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"https 地址有效", "https://localhost:8000/", false},
		{"http 地址有效", "http://salt.example.com:8000", false},
		{"缺少协议", "localhost:8000", true},
		{"不支持的协议", "ftp://localhost:8000/", true},
		{"空地址", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(&Config{BaseURL: tt.baseURL})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrConfiguration))
				assert.Nil(t, a)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, a)
			}
		})
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	a, err := New(nil)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Nil(t, a)
}

func TestConstructURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		path string
		want string
	}{
		{"根路径端点", "https://localhost:8000/", "login", "https://localhost:8000/login"},
		{"路径带前导斜杠", "https://localhost:8000/", "/login", "https://localhost:8000/login"},
		{"基址带路径前缀", "https://localhost:8000/salt/", "login", "https://localhost:8000/salt/login"},
		{"多级端点", "http://localhost:8000/", "jobs/2017", "http://localhost:8000/jobs/2017"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(&Config{BaseURL: tt.base})
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.constructURL(tt.path))
		})
	}
}

func TestLoginHoldsCredential(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	assert.Empty(t, a.Token(), "登录前不应持有令牌")

	cred, err := a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.NotEmpty(t, cred.Token)
	assert.Equal(t, "admin", cred.User)
	assert.Equal(t, "pam", cred.Eauth)
	assert.True(t, cred.Usable(time.Now()))

	// The held session must be the credential the server issued
	assert.Equal(t, cred.Token, a.Token())
}

func TestLoginDeniedMapsTo401(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	cred, err := a.Login("admin", "wrong-password", "pam")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthenticationDenied))
	assert.Nil(t, cred)
	assert.Empty(t, a.Token())
}

func TestRunAttachesSessionToken(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	// 未登录时后端拒绝调度
	_, err = a.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthenticationDenied))

	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	resp, err := a.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.NoError(t, err)
	require.Len(t, resp.Return, 1)
}

func TestRunServerErrorMapsTo500(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()
	srv.ForceStatus = 500
	srv.ForceBody = "internal failure"

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	_, err = a.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServerError))
}

func TestRunOtherStatusPassesThrough(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()
	// 202 is neither mapped nor an error: the body still gets decoded
	srv.ForceStatus = 202
	srv.ForceBody = `{"return": [{"ms-0": true}]}`

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	resp, err := a.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.NoError(t, err)
	require.Len(t, resp.Return, 1)
}

func TestRunSessionlessNeedsNoLogin(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	resp, err := a.RunSessionless([]map[string]interface{}{{
		"client":   "local",
		"fun":      "test.ping",
		"tgt":      "*",
		"username": "admin",
		"password": "saltdev",
		"eauth":    "pam",
	}})
	require.NoError(t, err)
	require.Len(t, resp.Return, 1)
	assert.Empty(t, a.Token(), "无会话调度不应产生持有令牌")
}

func TestTransportErrorWrapped(t *testing.T) {
	// 指向未监听的端口
	a, err := New(&Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = a.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTransport))
}

func TestLogoutClearsSessionAndCache(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache, err := authcache.NewFileCache(cachePath)
	require.NoError(t, err)

	a, err := New(&Config{BaseURL: srv.URL(), Cache: cache})
	require.NoError(t, err)

	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)
	require.Equal(t, 1, srv.ValidTokens())

	cached, err := cache.Get()
	require.NoError(t, err)
	require.NotNil(t, cached, "登录后凭证应已写入缓存")

	require.NoError(t, a.Logout())
	assert.Empty(t, a.Token())
	assert.Equal(t, 0, srv.ValidTokens(), "服务端会话应已注销")

	cached, err = cache.Get()
	require.NoError(t, err)
	assert.Nil(t, cached, "注销后缓存应已清空")
}

func TestLogoutClearsLocalStateWhenServerUnreachable(t *testing.T) {
	srv := saltmock.NewServer()

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache, err := authcache.NewFileCache(cachePath)
	require.NoError(t, err)

	a, err := New(&Config{BaseURL: srv.URL(), Cache: cache})
	require.NoError(t, err)
	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	// 服务端不可达时注销仍需清理本地状态
	srv.Close()

	require.NoError(t, a.Logout())
	assert.Empty(t, a.Token())

	cached, err := cache.Get()
	require.NoError(t, err)
	assert.Nil(t, cached)
}

// failingCache reports absent on read and rejects every write
type failingCache struct{}

func (failingCache) Get() (*authcache.Credential, error) { return nil, nil }

func (failingCache) Set(*authcache.Credential) error {
	return fmt.Errorf("disk full")
}

func TestLoginCacheWriteFailureDropsSession(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL(), Cache: failingCache{}})
	require.NoError(t, err)

	cred, err := a.Login("admin", "saltdev", "pam")
	require.Error(t, err)
	assert.Nil(t, cred)
	// 登录返回错误时客户端不得继续持有会话凭证
	assert.Empty(t, a.Token())
	assert.Nil(t, a.Auth())
}

func TestCachedCredentialReusedAtStartup(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache, err := authcache.NewFileCache(cachePath)
	require.NoError(t, err)

	first, err := New(&Config{BaseURL: srv.URL(), Cache: cache})
	require.NoError(t, err)
	cred, err := first.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	// A fresh client over the same cache resumes the session without login
	second, err := New(&Config{BaseURL: srv.URL(), Cache: cache})
	require.NoError(t, err)
	assert.Equal(t, cred.Token, second.Token())

	resp, err := second.Run([]map[string]interface{}{{"client": "local", "fun": "test.ping", "tgt": "*"}})
	require.NoError(t, err)
	require.Len(t, resp.Return, 1)
}

func TestCorruptCacheSurfacesAtStartup(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(cachePath, []byte("{not json"), 0o600))

	cache, err := authcache.NewFileCache(cachePath)
	require.NoError(t, err)

	a, err := New(&Config{BaseURL: "https://localhost:8000/", Cache: cache})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCacheCorrupt))
	assert.Nil(t, a)
}

func TestKerberosWithoutNegotiateStrategy(t *testing.T) {
	a, err := New(&Config{BaseURL: "https://localhost:8000/"})
	require.NoError(t, err)

	_, err = a.Login("admin", "", EauthKerberos)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNegotiateUnavailable))
}

func TestKerberosSessionNeverAttachesToken(t *testing.T) {
	a, err := New(&Config{BaseURL: "https://localhost:8000/"})
	require.NoError(t, err)

	// 即使持有令牌，kerberos 会话也不得回退到令牌认证
	a.setAuth(&authcache.Credential{
		Eauth:  EauthKerberos,
		Token:  "stale-token",
		Expire: float64(time.Now().Add(time.Hour).Unix()),
	})

	strategy, err := a.findAuth("")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNegotiateUnavailable))
	assert.Nil(t, strategy)
}

func TestFindAuthPrecedence(t *testing.T) {
	negotiate := tokenAuth{token: "negotiated"}

	tests := []struct {
		name         string
		held         *authcache.Credential
		payloadEauth string
		wantToken    string
		wantNil      bool
	}{
		{
			name:         "请求载荷指定 kerberos 选中协商策略",
			payloadEauth: EauthKerberos,
			wantToken:    "negotiated",
		},
		{
			name:      "持有令牌时使用令牌认证",
			held:      &authcache.Credential{Eauth: "pam", Token: "abc"},
			wantToken: "abc",
		},
		{
			name:    "无凭证时不附加认证",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(&Config{
				BaseURL:   "https://localhost:8000/",
				Negotiate: negotiate,
			})
			require.NoError(t, err)
			a.setAuth(tt.held)

			strategy, err := a.findAuth(tt.payloadEauth)
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, strategy)
				return
			}
			require.NotNil(t, strategy)
			assert.Equal(t, tokenAuth{token: tt.wantToken}, strategy)
		})
	}
}

func TestStats(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)

	stats, err := a.Stats()
	require.NoError(t, err)
	assert.Contains(t, stats, "CherryPy Applications")
}

func TestHook(t *testing.T) {
	srv := saltmock.NewServer()
	defer srv.Close()

	a, err := New(&Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	_, err = a.Login("admin", "saltdev", "pam")
	require.NoError(t, err)

	require.NoError(t, a.Hook("/my/custom/event", map[string]string{"foo": "bar"}))
	require.NoError(t, a.Hook("deploy/done", nil))

	assert.Equal(t, []string{"my/custom/event", "deploy/done"}, srv.Hooks())
}
