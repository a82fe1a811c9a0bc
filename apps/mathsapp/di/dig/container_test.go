package dig_container

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mathsapp/core/user"
	"github.com/trezcool/mathsapp/services/mathsapi"
	testutil "github.com/trezcool/mathsapp/tests"
)

func TestNew(t *testing.T) {
	b := testutil.NewBackend(t)
	b.CreateUser(t, "Ada Lovelace", "ada", "", "s3cret", user.RoleAdmin)

	conf := testutil.Config(b.URL)
	conf.Database.Path = filepath.Join(t.TempDir(), "session.db")

	// first run logs in
	err := New(conf).Invoke(func(db *sqlx.DB, client *mathsapi.Client) {
		defer db.Close()
		_, err := client.Login(context.Background(), user.Credentials{Username: "ada", Password: "s3cret"})
		require.NoError(t, err)
	})
	require.NoError(t, err)

	// next run starts from the stored session
	err = New(conf).Invoke(func(db *sqlx.DB, client *mathsapi.Client) {
		defer db.Close()
		assert.True(t, client.State().Authenticated())
		usr, err := client.WhoAmI(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ada", usr.Username)
	})
	require.NoError(t, err)
}
