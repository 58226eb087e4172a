package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Client purposes.
const (
	PurposePub = "pub"
	PurposeSub = "sub"
)

// UserAgent describes a connecting client. It is compared by value only.
type UserAgent struct {
	Env       string `json:"env"`
	Subsystem string `json:"subsystem"`
	Path      string `json:"path,omitempty"`
	Pid       int    `json:"pid"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Version   string `json:"version,omitempty"`
	Username  string `json:"username,omitempty"`
	Token     string `json:"token,omitempty"`
	IDC       string `json:"idc,omitempty"`
	Group     string `json:"group"`
	Purpose   string `json:"purpose"`
	Unack     int    `json:"unack,omitempty"`
}

// Validate checks the fields the runtime routes on.
func (u UserAgent) Validate() error {
	if strings.TrimSpace(u.Subsystem) == "" {
		return errors.New("subsystem is required")
	}
	if strings.TrimSpace(u.Group) == "" {
		return errors.New("group is required")
	}
	switch u.Purpose {
	case PurposePub, PurposeSub:
	default:
		return fmt.Errorf("purpose must be %q or %q", PurposePub, PurposeSub)
	}
	return nil
}

// GroupKey returns the group a client belongs to.
func (u UserAgent) GroupKey() string {
	return strings.TrimSpace(u.Subsystem) + "/" + strings.TrimSpace(u.Group)
}

// String omits the token.
func (u UserAgent) String() string {
	return fmt.Sprintf("UserAgent{subsystem=%s,group=%s,purpose=%s,host=%s,port=%d,pid=%d,idc=%s,env=%s}",
		u.Subsystem, u.Group, u.Purpose, u.Host, u.Port, u.Pid, u.IDC, u.Env)
}
