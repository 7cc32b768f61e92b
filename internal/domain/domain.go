package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleHIS    Role = "his"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleHIS:
		return true
	}
	return false
}

// InsurerType identifies the national insurer a prescription is registered
// with. The gateway encodes Salamat as issuer type "B" and Tamin as "T".
type InsurerType string

const (
	InsurerSalamat InsurerType = "B"
	InsurerTamin   InsurerType = "T"
)

// InsurerFromIssuerType maps a citizen-session issuer type to an insurer.
// Anything other than "T" resolves to Salamat.
func InsurerFromIssuerType(issuerType string) InsurerType {
	if issuerType == string(InsurerTamin) {
		return InsurerTamin
	}
	return InsurerSalamat
}

type User struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Email        string `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	PasswordHash string `gorm:"column:password_hash;type:varchar(255);not null"`
	FirstName    string `gorm:"column:first_name;type:varchar(100);not null"`
	LastName     string `gorm:"column:last_name;type:varchar(100);not null"`
	Role         Role   `gorm:"column:role;type:varchar(30);not null;index"`
	IsActive     bool   `gorm:"column:is_active;default:true;index"`

	Employee *Employee `gorm:"foreignKey:UserID"`
}

func (User) TableName() string {
	return "identity.users"
}

// Employee holds a physician's professional identity and the credentials
// used to open sessions on the insurance gateway.
type Employee struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	UserID       uuid.UUID `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	NationalCode string    `gorm:"column:national_code;type:varchar(10);not null;index"`
	MedicalNo    string    `gorm:"column:medical_no;type:varchar(20);not null;index"`
	SalamatUser  string    `gorm:"column:salamat_user;type:varchar(100)"`
	SalamatPass  string    `gorm:"column:salamat_pass;type:varchar(255)"`
	TaminMobile  string    `gorm:"column:tamin_mobile;type:varchar(15)"`
}

func (Employee) TableName() string {
	return "identity.employees"
}

// Provider is a clinic or hospital authorized against the gateway. The SIAM
// code is the gateway-side identifier Tamin registration requires.
type Provider struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	Name     string `gorm:"column:name;type:varchar(255);not null"`
	SiamCode string `gorm:"column:siam_code;type:varchar(50);index"`
}

func (Provider) TableName() string {
	return "identity.providers"
}

type UserProvider struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	UserID     uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`
	ProviderID uuid.UUID `gorm:"column:provider_id;type:uuid;not null;index"`
	IsActive   bool      `gorm:"column:is_active;default:false;index"`

	Provider *Provider `gorm:"foreignKey:ProviderID"`
}

func (UserProvider) TableName() string {
	return "identity.user_providers"
}

// Physician is the authenticated-physician context passed explicitly into
// every prescription service call instead of being pulled from request
// globals. It is assembled once per request from User, Employee and the
// active UserProvider binding.
type Physician struct {
	UserID       uuid.UUID
	NationalCode string
	MedicalNo    string
	TaminMobile  string
	GatewayUser  string
	GatewayPass  string
	ProviderID   uuid.UUID
	SiamCode     string
}

// HasGatewayCredentials reports whether the physician can open gateway
// sessions at all.
func (p *Physician) HasGatewayCredentials() bool {
	return p.GatewayUser != "" && p.GatewayPass != ""
}

type AuditAction string

const (
	ActionCreate   AuditAction = "create"
	ActionRead     AuditAction = "read"
	ActionUpdate   AuditAction = "update"
	ActionDelete   AuditAction = "delete"
	ActionGateway  AuditAction = "gateway_call"
	ActionRegister AuditAction = "register"
)

// AuditLog records one portal action or gateway interaction. Entries are
// append-only and never deleted by normal flow.
type AuditLog struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OccurredAt time.Time `gorm:"autoCreateTime;index"`

	UserID uuid.UUID `gorm:"column:user_id;type:uuid;index"`

	Action       AuditAction `gorm:"column:action;type:varchar(30);not null;index"`
	ResourceType string      `gorm:"column:resource_type;type:varchar(50);not null;index"`
	ResourceID   string      `gorm:"column:resource_id;type:varchar(50);index"`

	// Gateway interaction details, empty for local actions.
	Operation  string `gorm:"column:operation;type:varchar(50);index"`
	ResCode    *int   `gorm:"column:res_code"`
	ResMessage string `gorm:"column:res_message;type:text"`
	Succeeded  bool   `gorm:"column:succeeded"`

	IPAddress string `gorm:"column:ip_address;type:varchar(45)"`
	RequestID string `gorm:"column:request_id;type:varchar(50);index"`
}

func (AuditLog) TableName() string {
	return "audit.logs"
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"` // Always "Bearer"
}

type Claims struct {
	UserID uuid.UUID `json:"sub"`
	Email  string    `json:"email"`
	Role   Role      `json:"role"`
}
