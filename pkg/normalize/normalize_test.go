package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ecf/pkg/xmlsec"
)

func TestNormalize_JSONSpellings(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{
			name: "camel case",
			body: `{"trackId":"T1","estado":"En Proceso"}`,
			want: Result{TrackID: "T1", Status: "En Proceso"},
		},
		{
			name: "pascal case",
			body: `{"TrackId":"T2","Estado":"Aceptado","Mensajes":[{"codigo":"0","valor":"ok"}]}`,
			want: Result{TrackID: "T2", Status: "Aceptado", Messages: []Message{{Code: "0", Value: "ok"}}},
		},
		{
			name: "snake case",
			body: `{"track_id":"T3","status":"Rechazado","messages":["firma invalida","rnc invalido"]}`,
			want: Result{TrackID: "T3", Status: "Rechazado", Messages: []Message{{Value: "firma invalida"}, {Value: "rnc invalido"}}},
		},
		{
			name: "null falls through",
			body: `{"trackId":null,"trackID":"T4","estado":null,"status":"Aceptado"}`,
			want: Result{TrackID: "T4", Status: "Aceptado"},
		},
		{
			name: "numeric values",
			body: `{"trackid":12345678901234567890,"Status":1}`,
			want: Result{TrackID: "12345678901234567890", Status: "1"},
		},
		{
			name: "earlier spelling wins",
			body: `{"trackid":"late","trackId":"early","Status":"b","estado":"a"}`,
			want: Result{TrackID: "early", Status: "a"},
		},
	}

	n := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize("application/json", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestNormalize_XML(t *testing.T) {
	body := `<?xml version="1.0" encoding="utf-8"?>
<RespuestaRecepcion>
  <trackId>T9</trackId>
  <estado>Aceptado Condicional</estado>
  <mensajes>
    <mensaje><codigo>1</codigo><valor>monto redondeado</valor></mensaje>
    <mensaje><codigo>2</codigo><valor>fecha ajustada</valor></mensaje>
  </mensajes>
</RespuestaRecepcion>`

	got, err := New().Normalize("application/xml; charset=utf-8", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "T9", got.TrackID)
	assert.Equal(t, "Aceptado Condicional", got.Status)
	assert.Equal(t, []Message{{Code: "1", Value: "monto redondeado"}, {Code: "2", Value: "fecha ajustada"}}, got.Messages)
}

func TestNormalize_SniffsBody(t *testing.T) {
	got, err := New().Normalize("", []byte(`  <r><TrackId>T1</TrackId><Estado>Aceptado</Estado></r>`))
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TrackID)

	got, err = New().Normalize("text/plain", []byte(`{"trackId":"T2","estado":"Aceptado"}`))
	require.NoError(t, err)
	assert.Equal(t, "T2", got.TrackID)
}

func TestNormalize_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"no track id", `{"estado":"Aceptado"}`, "track id"},
		{"empty track id", `{"trackId":"  ","estado":"Aceptado"}`, "track id"},
		{"no status", `{"trackId":"T1"}`, "status"},
		{"null status", `{"trackId":"T1","estado":null}`, "status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Normalize("application/json", []byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadUpstreamResponse))

			var berr *BadUpstreamResponseError
			require.True(t, errors.As(err, &berr))
			assert.Equal(t, tt.field, berr.Field)
		})
	}
}

func TestNormalize_UndecodableBody(t *testing.T) {
	_, err := New().Normalize("application/json", []byte(`{"trackId":`))
	assert.True(t, errors.Is(err, ErrBadUpstreamResponse))

	_, err = New().Normalize("application/json", []byte(`null`))
	assert.True(t, errors.Is(err, ErrBadUpstreamResponse))

	_, err = New().Normalize("application/xml", []byte(`<!DOCTYPE r [<!ENTITY x "y">]><r>&x;</r>`))
	assert.True(t, errors.Is(err, ErrBadUpstreamResponse))
	assert.True(t, errors.Is(err, xmlsec.ErrForbiddenDTD))
}

func TestNormalizeStatus_TrackOptional(t *testing.T) {
	got, err := New().NormalizeStatus("application/json", []byte(`{"estado":"Aceptado","mensajes":[{"code":"0","message":"ok"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "", got.TrackID)
	assert.Equal(t, "Aceptado", got.Status)
	assert.Equal(t, []Message{{Code: "0", Value: "ok"}}, got.Messages)

	_, err = New().NormalizeStatus("application/json", []byte(`{"trackId":"T1"}`))
	assert.True(t, errors.Is(err, ErrBadUpstreamResponse))
}

func TestNewWithFields_NestedPaths(t *testing.T) {
	n := NewWithFields(Fields{
		TrackID: []string{"$.data.track.id"},
		Status:  []string{"$.data.state"},
	})

	got, err := n.Normalize("application/json", []byte(`{"data":{"track":{"id":"N1"},"state":"Aceptado"}}`))
	require.NoError(t, err)
	assert.Equal(t, Result{TrackID: "N1", Status: "Aceptado"}, *got)
}

func TestDecode_RepeatedXMLElements(t *testing.T) {
	payload, err := Decode("application/xml", []byte(`<r><a>1</a><a>2</a><a>3</a><b><c>x</c></b></r>`))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"1", "2", "3"}, payload["a"])
	assert.Equal(t, map[string]interface{}{"c": "x"}, payload["b"])
}

func TestNormalize_SubmissionSpellingsInOrder(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{"track_id", `{"track_id":"A1","status":"Aceptado"}`, Result{TrackID: "A1", Status: "Aceptado"}},
		{"trackId", `{"trackId":"A2","status":"Aceptado"}`, Result{TrackID: "A2", Status: "Aceptado"}},
		{"track", `{"track":"A3","status":"Aceptado"}`, Result{TrackID: "A3", Status: "Aceptado"}},
		{"track_id wins over trackId", `{"trackId":"B","track_id":"A4","status":"Aceptado"}`, Result{TrackID: "A4", Status: "Aceptado"}},
		{"trackId wins over track", `{"track":"B","trackId":"A5","status":"Aceptado"}`, Result{TrackID: "A5", Status: "Aceptado"}},
		{"status", `{"trackId":"S1","status":"En Proceso"}`, Result{TrackID: "S1", Status: "En Proceso"}},
		{"estado", `{"trackId":"S2","estado":"En Proceso"}`, Result{TrackID: "S2", Status: "En Proceso"}},
		{"respuesta", `{"trackId":"S3","respuesta":"Recibido"}`, Result{TrackID: "S3", Status: "Recibido"}},
		{"status wins over estado", `{"trackId":"S4","estado":"X","status":"Aceptado"}`, Result{TrackID: "S4", Status: "Aceptado"}},
		{"estado wins over respuesta", `{"trackId":"S5","respuesta":"X","estado":"Aceptado"}`, Result{TrackID: "S5", Status: "Aceptado"}},
		{
			"mensajes",
			`{"trackId":"M1","status":"Aceptado","mensajes":[{"codigo":"1","valor":"uno"}]}`,
			Result{TrackID: "M1", Status: "Aceptado", Messages: []Message{{Code: "1", Value: "uno"}}},
		},
		{
			"mensajes_detalle",
			`{"trackId":"M2","status":"Rechazado","mensajes_detalle":[{"codigo":"2","valor":"dos"}]}`,
			Result{TrackID: "M2", Status: "Rechazado", Messages: []Message{{Code: "2", Value: "dos"}}},
		},
		{
			"empty mensajes falls through to mensajes_detalle",
			`{"trackId":"M3","status":"Rechazado","mensajes":[],"mensajes_detalle":[{"codigo":"3","valor":"tres"}]}`,
			Result{TrackID: "M3", Status: "Rechazado", Messages: []Message{{Code: "3", Value: "tres"}}},
		},
		{
			"plain string message",
			`{"trackId":"M4","status":"Rechazado","mensajes":"firma invalida"}`,
			Result{TrackID: "M4", Status: "Rechazado", Messages: []Message{{Value: "firma invalida"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New().Normalize("application/json", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestNormalizeStatus_SpellingsInOrder(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Result
	}{
		{"estado", `{"estado":"Aceptado"}`, Result{Status: "Aceptado"}},
		{"status", `{"status":"Rechazado"}`, Result{Status: "Rechazado"}},
		{"estado wins over status", `{"status":"X","estado":"Aceptado"}`, Result{Status: "Aceptado"}},
		{"descripcion", `{"estado":"Rechazado","descripcion":"rnc invalido"}`, Result{Status: "Rechazado", Description: "rnc invalido"}},
		{"detalle", `{"estado":"Rechazado","detalle":"firma invalida"}`, Result{Status: "Rechazado", Description: "firma invalida"}},
		{"message", `{"estado":"En Proceso","message":"en cola"}`, Result{Status: "En Proceso", Description: "en cola"}},
		{"descripcion wins over detalle", `{"estado":"Rechazado","detalle":"X","descripcion":"Y"}`, Result{Status: "Rechazado", Description: "Y"}},
		{"detalle wins over message", `{"estado":"Rechazado","message":"X","detalle":"Y"}`, Result{Status: "Rechazado", Description: "Y"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New().NormalizeStatus("application/json", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}
