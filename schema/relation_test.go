package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelationKindStringCoversAllKinds(t *testing.T) {
	require.Equal(t, "BelongsTo", RelBelongsTo.String())
	require.Equal(t, "HasOne", RelHasOne.String())
	require.Equal(t, "HasMany", RelHasMany.String())
	require.Equal(t, "BelongsToMany", RelBelongsToMany.String())
}

func TestBelongsToManyFactorySetsPivotFields(t *testing.T) {
	rel := BelongsToMany("tags", "post_tags", "post_id", "tag_id", CascadeAll)
	require.Equal(t, RelBelongsToMany, rel.Kind)
	require.Equal(t, "post_tags", rel.PivotTable)
	require.Equal(t, "post_id", rel.PivotForeignKeyRoot)
	require.Equal(t, "tag_id", rel.PivotForeignKeyTarget)
	require.Equal(t, CascadeAll, rel.Cascade)
}

func TestHasManyFactorySetsCascade(t *testing.T) {
	rel := HasMany("posts", "user_id", "id", CascadeRemove)
	require.Equal(t, RelHasMany, rel.Kind)
	require.Equal(t, CascadeRemove, rel.Cascade)
}
