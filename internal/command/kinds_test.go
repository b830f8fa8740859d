package command

import (
	"encoding/json"
	"testing"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/apperr"
	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"github.com/matryer/is"
)

func TestParsePartialOpenRange(t *testing.T) {
	is := is.New(t)

	_, err := Parse("partial_open", json.RawMessage(`{"percentage":150}`))
	is.True(apperr.Is(err, apperr.KindValidation))
	is.Equal(apperr.As(err).Fields["params.percentage"], "must be within 0-100")

	_, err = Parse("partial_open", nil)
	is.True(apperr.Is(err, apperr.KindValidation))

	kind, err := Parse("PARTIAL_OPEN", json.RawMessage(`{"percentage":40}`))
	is.NoErr(err)
	is.Equal(kind, PartialOpen{Percentage: 40})
	is.Equal(kind.Target(), db.TargetValve)
}

func TestParseMeterKinds(t *testing.T) {
	is := is.New(t)

	_, err := Parse("config_update", json.RawMessage(`{}`))
	is.True(apperr.Is(err, apperr.KindValidation))

	_, err = Parse("config_update", json.RawMessage(`{"k_factor":-1}`))
	is.True(apperr.Is(err, apperr.KindValidation))

	kind, err := Parse("config_update", json.RawMessage(`{"k_factor":1.25}`))
	is.NoErr(err)
	is.Equal(*kind.(ConfigUpdate).KFactor, 1.25)
	is.Equal(kind.Target(), db.TargetMeter)

	kind, err = Parse("unlock", nil)
	is.NoErr(err)
	is.Equal(kind, Unlock{Unlock: true})

	kind, err = Parse("unlock", json.RawMessage(`{"unlock":false}`))
	is.NoErr(err)
	is.Equal(kind, Unlock{Unlock: false})

	_, err = Parse("self_destruct", nil)
	is.True(apperr.Is(err, apperr.KindValidation))
}

func TestEncodeDecode(t *testing.T) {
	is := is.New(t)

	for _, kind := range []Kind{Open{}, Close{}, StatusCheck{}, PartialOpen{Percentage: 0}, EmergencyClose{Reason: "leak"}, Unlock{Unlock: true}} {
		raw, err := Encode(kind)
		is.NoErr(err)
		back, err := Decode(db.Command{CommandType: kind.Type(), Params: raw})
		is.NoErr(err)
		is.Equal(back, kind)
	}
}
