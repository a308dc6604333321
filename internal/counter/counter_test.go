package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/datagrid/internal/codec"
	"github.com/devrev/datagrid/internal/model"
)

func TestService_AddGet(t *testing.T) {
	s := NewService(zap.NewNop())

	assert.EqualValues(t, 0, s.Get("hits"))
	assert.EqualValues(t, 3, s.Add("hits", 3))
	assert.EqualValues(t, 1, s.Add("hits", -2))
	assert.EqualValues(t, 1, s.Get("hits"))
	assert.EqualValues(t, 0, s.Get("other"))
}

func TestService_ConcurrentAdds(t *testing.T) {
	s := NewService(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add("hot", 1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, s.Get("hot"))
}

func TestRegisterOperations(t *testing.T) {
	types := codec.NewRegistry()
	RegisterOperations(types)

	for _, name := range []string{"counter.add", "counter.get", "counter.backup_add"} {
		op, err := types.New(name)
		require.NoError(t, err, name)
		require.NotNil(t, op)
	}
}

func TestAddOperation_RunThroughService(t *testing.T) {
	s := NewService(zap.NewNop())
	op := NewAddOperation("hits", 4, 1, true)
	op.SetService(s)

	v, err := op.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, v)
	assert.EqualValues(t, 4, s.Get("hits"))
}

func TestAddOperation_RequiresBoundService(t *testing.T) {
	op := NewAddOperation("hits", 1, 0, false)
	_, err := op.Run(context.Background())
	assert.Error(t, err)
}

func TestAddOperation_DispatchShape(t *testing.T) {
	op := NewAddOperation("hits", 1, 2, true)

	assert.True(t, op.Header().Flags.Has(model.FlagPartitionScoped))
	assert.False(t, op.Header().Flags.Has(model.FlagBackup))
	assert.Equal(t, 2, op.BackupCount())
	assert.True(t, op.SyncBackup())

	// same key, same partition routing
	assert.Equal(t, op.KeyHash(), NewGetOperation("hits").KeyHash())
	assert.NotEqual(t, op.KeyHash(), NewGetOperation("misses").KeyHash())
}

func TestAddOperation_BackupOperation(t *testing.T) {
	op := NewAddOperation("hits", 7, 1, false)

	backup, ok := op.BackupOperation().(*BackupAddOperation)
	require.True(t, ok)
	assert.Equal(t, "hits", backup.Key)
	assert.EqualValues(t, 7, backup.Delta)
	assert.True(t, backup.Header().Flags.Has(model.FlagPartitionScoped|model.FlagBackup))

	noBackups := NewAddOperation("hits", 7, 0, false)
	assert.Nil(t, noBackups.BackupOperation())
}

func TestBackupAddOperation_Run(t *testing.T) {
	s := NewService(zap.NewNop())
	op := NewBackupAddOperation("hits", 9)
	op.SetService(s)

	v, err := op.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.EqualValues(t, 9, s.Get("hits"))
}

func TestGetOperation_Run(t *testing.T) {
	s := NewService(zap.NewNop())
	s.Add("hits", 11)

	op := NewGetOperation("hits")
	op.SetService(s)

	v, err := op.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 11, v)
}
