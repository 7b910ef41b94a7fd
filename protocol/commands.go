package protocol

import (
	"encoding/json"
	"strconv"
)

// AuthRequest is the credential handshake: `{"cmd":"auth"|"reg","sn":...,"cpusn":...}`.
// The registration variant additionally carries device info.
type AuthRequest struct {
	Cmd        string         `json:"cmd"`
	SN         string         `json:"sn"`
	CPUSN      string         `json:"cpusn"`
	DevInfo    map[string]any `json:"devinfo"`
	NoSendUser bool           `json:"nosenduser,omitempty"`
}

// EnrollmentRequest creates a new face record.
type EnrollmentRequest struct {
	Cmd   string `json:"cmd"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// UpdateRequest partially updates a face record. Nil optional fields are
// "not supplied", distinct from empty strings.
type UpdateRequest struct {
	Cmd   string  `json:"cmd"`
	ID    string  `json:"id"`
	Name  *string `json:"name,omitempty"`
	Image *string `json:"image,omitempty"`
}

// DeleteRequest removes a face record and its dependent attendance rows.
type DeleteRequest struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id"`
}

// SendLogRequest forwards a batch of attendance log entries.
type SendLogRequest struct {
	Cmd      string      `json:"cmd"`
	SN       string      `json:"sn"`
	Record   []LogRecord `json:"record"`
	Count    *int        `json:"count,omitempty"`
	LogIndex *int        `json:"logindex,omitempty"`
}

// LogRecord is one attendance log entry in a sendlog batch. Mode, InOut,
// Event and Temp carry fixed defaults on the forwarding path.
type LogRecord struct {
	EnrollID any     `json:"enrollid"`
	Name     string  `json:"name"`
	Time     string  `json:"time"`
	Mode     int     `json:"mode"`
	InOut    int     `json:"inout"`
	Event    int     `json:"event"`
	Temp     float64 `json:"temp"`
}

// SendUserRequest pushes a user record to the remote authority.
type SendUserRequest struct {
	Cmd       string `json:"cmd"`
	EnrollID  int    `json:"enrollid"`
	Name      string `json:"name"`
	BackupNum int    `json:"backupnum"`
	Admin     int    `json:"admin"`
	Record    any    `json:"record"`
	ImagePath string `json:"imagepath,omitempty"`
}

// UserInfoCommand is an authority-initiated setuserinfo/deleteuser push.
// EnrollID and BackupNum are kept raw and echoed verbatim in the ack.
type UserInfoCommand struct {
	Cmd       string          `json:"cmd"`
	EnrollID  json.RawMessage `json:"enrollid"`
	BackupNum json.RawMessage `json:"backupnum"`
}

// Ack builds the acknowledgment reply for an authority-initiated command,
// echoing the identifying fields back with the device serial number.
func (c *UserInfoCommand) Ack(sn string) *Response {
	return &Response{
		Ret:       c.Cmd,
		SN:        sn,
		EnrollID:  c.EnrollID,
		BackupNum: c.BackupNum,
		Result:    true,
	}
}

// EnrollIDValue returns the wire form of an identity id: an integer when the
// id is all digits, the string unchanged otherwise. The authority rejects
// quoted numeric enrollment ids.
func EnrollIDValue(id string) any {
	if id == "" {
		return id
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
