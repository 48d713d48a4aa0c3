package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCanonicalJSON(t *testing.T) {
	t.Run("map keys serialize sorted", func(t *testing.T) {
		v := Map(map[string]Value{
			"zebra": String("z"),
			"apple": String("a"),
			"mango": Number(3),
		})
		buf, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, `{"apple":"a","mango":3,"zebra":"z"}`, string(buf))
	})

	t.Run("nested maps serialize sorted at every level", func(t *testing.T) {
		v := Map(map[string]Value{
			"outer_b": Map(map[string]Value{"y": Bool(true), "x": Null()}),
			"outer_a": Array(Number(1), String("two")),
		})
		buf, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, `{"outer_a":[1,"two"],"outer_b":{"x":null,"y":true}}`, string(buf))
	})

	t.Run("serialization is byte-stable across calls", func(t *testing.T) {
		v := Map(map[string]Value{"b": Number(2), "a": Number(1), "c": Number(3)})
		first, err := json.Marshal(v)
		require.NoError(t, err)
		for i := 0; i < 20; i++ {
			again, err := json.Marshal(v)
			require.NoError(t, err)
			assert.Equal(t, string(first), string(again))
		}
	})
}

func TestValueRoundTrip(t *testing.T) {
	original := Map(map[string]Value{
		"name":    String("order-42"),
		"amount":  Number(199.99),
		"shipped": Bool(false),
		"tags":    Array(String("priority"), String("fragile")),
		"note":    Null(),
	})

	buf, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Value
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.True(t, original.Equal(decoded), "decoded value differs from original")
}

func TestValueAccessors(t *testing.T) {
	v := Map(map[string]Value{"client_ip": String("10.0.0.9")})

	ip, ok := v.Field("client_ip")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", ip.StringVal())

	_, ok = v.Field("missing")
	assert.False(t, ok)

	var zero Value
	assert.True(t, zero.IsZero())
	assert.False(t, v.IsZero())
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"count": float64(7),
		"ok":    true,
		"items": []any{"a", nil},
	})
	require.NoError(t, err)

	count, ok := v.Field("count")
	require.True(t, ok)
	assert.Equal(t, float64(7), count.NumberVal())

	items, ok := v.Field("items")
	require.True(t, ok)
	assert.Equal(t, 2, items.Len())
}

func TestEventTypeDefaults(t *testing.T) {
	tests := []struct {
		eventType EventType
		category  EventCategory
		severity  Severity
	}{
		{EventEntityCreated, CategoryDataChange, SeverityLow},
		{EventEntityDeleted, CategoryDataChange, SeverityMedium},
		{EventLoginFailure, CategorySecurity, SeverityMedium},
		{EventPermissionChanged, CategorySecurity, SeverityHigh},
		{EventSensitiveDataAccess, CategorySecurity, SeverityHigh},
		{EventDataExported, CategorySystem, SeverityMedium},
		{EventSystemError, CategorySystem, SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.category, tt.eventType.Category())
			assert.Equal(t, tt.severity, tt.eventType.DefaultSeverity())
		})
	}

	t.Run("unknown type falls back to system / medium", func(t *testing.T) {
		unknown := EventType("mystery")
		assert.Equal(t, CategorySystem, unknown.Category())
		assert.Equal(t, SeverityMedium, unknown.DefaultSeverity())
	})
}

func TestSeverity(t *testing.T) {
	assert.True(t, SeverityHigh.Alertable())
	assert.True(t, SeverityCritical.Alertable())
	assert.False(t, SeverityLow.Alertable())
	assert.False(t, SeverityMedium.Alertable())

	assert.True(t, SeverityLow.Valid())
	assert.False(t, Severity("URGENT").Valid())
	assert.False(t, Severity("").Valid())
}

func TestCategoryTopic(t *testing.T) {
	assert.Equal(t, "audit.data-change", CategoryDataChange.Topic())
	assert.Equal(t, "audit.security", CategorySecurity.Topic())
	assert.Equal(t, "audit.system", CategorySystem.Topic())
}
