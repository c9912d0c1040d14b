package roles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	r, err := Parse("  Admin ")
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, r)

	r, err = Parse("reader")
	require.NoError(t, err)
	require.Equal(t, RoleReader, r)

	_, err = Parse("superuser")
	require.ErrorIs(t, err, ErrUnknownRole)

	_, err = Parse("")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.True(t, RoleReader.Valid())
	require.True(t, RoleWriter.Valid())
	require.True(t, RoleAdmin.Valid())
	require.False(t, Role("root").Valid())
	require.False(t, Role("").Valid())
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		actual   Role
		required []Role
		allow    bool
	}{
		// Пустой required: достаточно аутентификации.
		{"reader_no_requirements", RoleReader, nil, true},
		{"writer_no_requirements", RoleWriter, []Role{}, true},

		// Точное совпадение.
		{"reader_needs_reader", RoleReader, []Role{RoleReader}, true},
		{"writer_needs_writer", RoleWriter, []Role{RoleWriter}, true},

		// Старшая роль наследует права младших.
		{"writer_needs_reader", RoleWriter, []Role{RoleReader}, true},
		{"admin_needs_writer", RoleAdmin, []Role{RoleWriter}, true},
		{"admin_needs_reader", RoleAdmin, []Role{RoleReader}, true},

		// admin проходит всегда, даже если его нет в списке.
		{"admin_not_listed", RoleAdmin, []Role{RoleWriter}, true},

		// Младшая роль не дотягивает до требуемых.
		{"reader_needs_writer", RoleReader, []Role{RoleWriter}, false},
		{"reader_needs_writer_or_admin", RoleReader, []Role{RoleWriter, RoleAdmin}, false},
		{"writer_needs_admin", RoleWriter, []Role{RoleAdmin}, false},

		// Достаточно одного покрытого элемента набора.
		{"writer_needs_reader_or_admin", RoleWriter, []Role{RoleAdmin, RoleReader}, true},

		// Неизвестные роли в required игнорируются.
		{"writer_unknown_in_required", RoleWriter, []Role{Role("root"), RoleReader}, true},
		{"reader_only_unknown_required", RoleReader, []Role{Role("root")}, false},

		// Невалидная фактическая роль — отказ всегда.
		{"unknown_actual", Role("root"), nil, false},
		{"empty_actual", Role(""), []Role{RoleReader}, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := Evaluate(tc.actual, tc.required)
			if tc.allow {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInsufficientRole)
			}
		})
	}
}

func TestEvaluate_DenialNamesAcceptedSet(t *testing.T) {
	t.Parallel()

	err := Evaluate(RoleReader, []Role{RoleWriter, RoleAdmin})
	require.Error(t, err)
	require.Contains(t, err.Error(), "[writer, admin]")
}
