package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/facebridge/errors"
)

func TestParse_Request(t *testing.T) {
	env, err := Parse([]byte(`{"cmd":"enrollment","id":"42","name":"A","image":"aGk="}`))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, CmdEnrollment, env.Name)

	var req EnrollmentRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, "42", req.ID)
	assert.Equal(t, "A", req.Name)
	assert.Equal(t, "aGk=", req.Image)
}

func TestParse_Response(t *testing.T) {
	env, err := Parse([]byte(`{"ret":"sendlog","result":true,"count":3}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, env.Kind)
	assert.Equal(t, CmdSendLog, env.Name)

	resp, err := env.Response()
	require.NoError(t, err)
	assert.True(t, resp.Result)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 3, *resp.Count)
}

func TestParse_BareResultResponse(t *testing.T) {
	// Pre-auth failures arrive without a ret tag, only a result flag.
	env, err := Parse([]byte(`{"result":false,"reason":"not_authenticated"}`))
	require.NoError(t, err)
	assert.Equal(t, KindResponse, env.Kind)
	assert.Equal(t, "", env.Name)
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"cmd":`},
		{"no discriminator", `{"foo":"bar"}`},
		{"empty object", `{}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedMessage))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestEnvelope_ResponseOnRequest(t *testing.T) {
	env, err := Parse([]byte(`{"cmd":"auth","sn":"X","cpusn":"Y"}`))
	require.NoError(t, err)
	_, err = env.Response()
	assert.Error(t, err)
}

func TestResponse_Marshal(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		expected string
	}{
		{
			"success",
			OK(CmdAuth),
			`{"ret":"auth","result":true}`,
		},
		{
			"failure with reason",
			Fail(CmdUpdate, ReasonUserNotFound),
			`{"ret":"update","result":false,"reason":"user_not_found"}`,
		},
		{
			"sendlog ack with count",
			OK(CmdSendLog).WithCount(2),
			`{"ret":"sendlog","result":true,"count":2}`,
		},
		{
			"pre-auth failure omits ret",
			&Response{Result: false, Reason: ReasonNotAuthenticated},
			`{"result":false,"reason":"not_authenticated"}`,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, err := test.resp.Marshal()
			require.NoError(t, err)
			assert.JSONEq(t, test.expected, string(data))
		})
	}
}

func TestUpdateRequest_OptionalFields(t *testing.T) {
	env, err := Parse([]byte(`{"cmd":"update","id":"7","name":"B"}`))
	require.NoError(t, err)

	var req UpdateRequest
	require.NoError(t, env.Decode(&req))
	require.NotNil(t, req.Name)
	assert.Equal(t, "B", *req.Name)
	assert.Nil(t, req.Image)

	// Empty-string name is still "supplied".
	env, err = Parse([]byte(`{"cmd":"update","id":"7","name":""}`))
	require.NoError(t, err)
	req = UpdateRequest{}
	require.NoError(t, env.Decode(&req))
	require.NotNil(t, req.Name)
	assert.Equal(t, "", *req.Name)
}

func TestUserInfoCommand_Ack(t *testing.T) {
	env, err := Parse([]byte(`{"cmd":"setuserinfo","enrollid":1001,"backupnum":0}`))
	require.NoError(t, err)

	var cmd UserInfoCommand
	require.NoError(t, env.Decode(&cmd))

	data, err := cmd.Ack("WAC14089464").Marshal()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ret":"setuserinfo","sn":"WAC14089464","enrollid":1001,"backupnum":0,"result":true}`,
		string(data))
}

func TestEnrollIDValue(t *testing.T) {
	assert.Equal(t, int64(1001), EnrollIDValue("1001"))
	assert.Equal(t, "emp-7", EnrollIDValue("emp-7"))
	assert.Equal(t, "", EnrollIDValue(""))

	// Sign prefixes are not digits; those ids stay strings
	assert.Equal(t, "+42", EnrollIDValue("+42"))
	assert.Equal(t, "-5", EnrollIDValue("-5"))

	// Round-trip through JSON: numeric ids serialize unquoted.
	data, err := json.Marshal(LogRecord{EnrollID: EnrollIDValue("42"), Mode: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"enrollid":42`)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "response", KindResponse.String())
	assert.Equal(t, "unknown", Kind(9).String())
}
