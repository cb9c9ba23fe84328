package tmon

import "time"

// Known protocol tags written to traffic_records.protocol.
const (
	ProtocolTCP   = "TCP"
	ProtocolUDP   = "UDP"
	ProtocolICMP  = "ICMP"
	ProtocolOther = "OTHER"
)

// KnownProtocols are the tags the "other" filter excludes.
var KnownProtocols = []string{ProtocolTCP, ProtocolUDP, ProtocolICMP}

// Session is one start/stop cycle of monitoring on one interface.
// EndTime is nil while the session is running.
type Session struct {
	SessionID       int64      `gorm:"column:session_id;primaryKey;autoIncrement" json:"session_id"`
	IfaceName       string     `gorm:"column:iface_name" json:"iface_name"`
	StartTime       time.Time  `gorm:"column:start_time" json:"start_time"`
	EndTime         *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	DurationSeconds int64      `gorm:"column:duration_seconds" json:"duration_seconds"`
	AvgDownSpeed    float64    `gorm:"column:avg_down_speed" json:"avg_down_speed"`
	AvgUpSpeed      float64    `gorm:"column:avg_up_speed" json:"avg_up_speed"`
	MaxDownSpeed    float64    `gorm:"column:max_down_speed" json:"max_down_speed"`
	MaxUpSpeed      float64    `gorm:"column:max_up_speed" json:"max_up_speed"`
	TotalDownBytes  int64      `gorm:"column:total_down_bytes" json:"total_down_bytes"`
	TotalUpBytes    int64      `gorm:"column:total_up_bytes" json:"total_up_bytes"`
	RecordCount     int64      `gorm:"column:record_count" json:"record_count"`

	// DisplayID is the 1-based position by start time, computed when reading.
	DisplayID int64 `gorm:"column:display_id;->" json:"display_id"`
}

func (Session) TableName() string { return "monitoring_sessions" }

// Active reports whether the session has not been ended yet.
func (s *Session) Active() bool { return s.EndTime == nil }

// Record is one reporting interval of a session. Speeds are KB/s.
type Record struct {
	RecordID    int64     `gorm:"column:record_id;primaryKey;autoIncrement" json:"record_id"`
	SessionID   int64     `gorm:"column:session_id" json:"session_id"`
	DownSpeed   float64   `gorm:"column:down_speed" json:"down_speed"`
	UpSpeed     float64   `gorm:"column:up_speed" json:"up_speed"`
	SourceIP    *string   `gorm:"column:source_ip" json:"source_ip,omitempty"`
	DestIP      *string   `gorm:"column:dest_ip" json:"dest_ip,omitempty"`
	ProcessName *string   `gorm:"column:process_name" json:"process_name,omitempty"`
	Protocol    *string   `gorm:"column:protocol" json:"protocol,omitempty"`
	RecordTime  time.Time `gorm:"column:record_time" json:"record_time"`
}

func (Record) TableName() string { return "traffic_records" }

// RecordView is a record joined with the interface of its session.
type RecordView struct {
	Record
	IfaceName string `gorm:"column:iface_name" json:"iface_name"`
}

// RecordInput carries one sample for SaveDetailRecord. Empty strings are stored as NULL;
// a zero Time means "now".
type RecordInput struct {
	SessionID   int64
	DownSpeed   float64
	UpSpeed     float64
	SourceIP    string
	DestIP      string
	ProcessName string
	Protocol    string
	Time        time.Time
}

// NullString maps "" to nil.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
