package store_test

import (
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/numtide/certpilot/appcontext"
	"github.com/numtide/certpilot/config"
	"github.com/numtide/certpilot/model"
	"github.com/numtide/certpilot/store"
)

const domain = "app.example.test"

func newStore(t *testing.T) (*store.Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.New(appcontext.AppContext{
		Settings: config.Defaults(t.TempDir()),
		Logger:   zap.NewNop().Sugar(),
		Clock:    clock,
	})
	require.NoError(t, err)
	return s, clock
}

func rendered(text, ref string) *model.Configuration {
	return &model.Configuration{Domain: domain, CertRef: ref, RenderedText: text}
}

func TestSaveVersionsAndDeduplicates(t *testing.T) {
	s, _ := newStore(t)

	v1, err := s.Save(rendered("server { a; }\n", "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	same, err := s.Save(rendered("server { a; }\n", "c1"))
	require.NoError(t, err)
	assert.Equal(t, 1, same.Version, "identical render reuses the newest version")

	v2, err := s.Save(rendered("server { b; }\n", "c2"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	all, err := s.List(domain)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all[0].RenderedText)

	got, err := s.Get(domain, 2)
	require.NoError(t, err)
	assert.Equal(t, "server { b; }\n", got.RenderedText)
	assert.Equal(t, "c2", got.CertRef)
}

func TestActivateSwapsProxyFile(t *testing.T) {
	s, _ := newStore(t)

	active, err := s.Active(domain)
	require.NoError(t, err)
	assert.Nil(t, active)

	v1, err := s.Save(rendered("one;\n", "c1"))
	require.NoError(t, err)
	require.NoError(t, s.Activate(v1))

	b, err := os.ReadFile(s.ActivePath(domain))
	require.NoError(t, err)
	assert.Equal(t, "one;\n", string(b))

	v2, err := s.Save(rendered("two;\n", "c2"))
	require.NoError(t, err)

	b, err = os.ReadFile(s.ActivePath(domain))
	require.NoError(t, err)
	assert.Equal(t, "one;\n", string(b), "saving never touches the active file")

	require.NoError(t, s.Activate(v2))
	active, err = s.Active(domain)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
	assert.True(t, active.Active)

	old, err := s.Get(domain, 1)
	require.NoError(t, err)
	assert.False(t, old.Active)
	assert.Equal(t, "one;\n", old.RenderedText, "previous version retained")

	require.NoError(t, s.Deactivate(domain))
	active, err = s.Active(domain)
	require.NoError(t, err)
	assert.Nil(t, active)
	_, err = os.Stat(s.ActivePath(domain))
	assert.True(t, os.IsNotExist(err))
}

func TestLastVerifiedPicksMostRecentlyVerified(t *testing.T) {
	s, clock := newStore(t)

	none, err := s.LastVerified(domain)
	require.NoError(t, err)
	assert.Nil(t, none)

	v1, err := s.Save(rendered("one;\n", "c1"))
	require.NoError(t, err)
	v2, err := s.Save(rendered("two;\n", "c2"))
	require.NoError(t, err)

	require.NoError(t, s.MarkVerified(v2))
	clock.Advance(time.Hour)
	require.NoError(t, s.MarkVerified(v1))

	lv, err := s.LastVerified(domain)
	require.NoError(t, err)
	assert.Equal(t, 1, lv.Version)
	assert.True(t, lv.Verified)
	assert.Equal(t, "one;\n", lv.RenderedText)
}

func TestPruneKeepsActiveAndVerified(t *testing.T) {
	s, _ := newStore(t)

	var saved []*model.Configuration
	for _, text := range []string{"1;", "2;", "3;", "4;", "5;"} {
		c, err := s.Save(rendered(text, text))
		require.NoError(t, err)
		saved = append(saved, c)
	}
	require.NoError(t, s.MarkVerified(saved[0]))
	require.NoError(t, s.Activate(saved[1]))

	require.NoError(t, s.Prune(domain, 2))

	all, err := s.List(domain)
	require.NoError(t, err)
	var versions []int
	for _, c := range all {
		versions = append(versions, c.Version)
	}
	assert.Equal(t, []int{1, 2, 4, 5}, versions)
}

func TestTemplateDefaultsToBuiltin(t *testing.T) {
	s, _ := newStore(t)
	tmpl, err := s.Template()
	require.NoError(t, err)
	assert.Equal(t, store.DefaultTemplate, tmpl)
	assert.Contains(t, tmpl, "ssl_certificate {{ .FullchainPath }};")
}
