package ocpp

// 支持的 Action
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
)

// RegistrationStatus BootNotification 注册结果
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// AuthorizationStatus id tag 授权结果
type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationExpired      AuthorizationStatus = "Expired"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// IdTagInfo 授权信息
type IdTagInfo struct {
	ExpiryDate  *DateTime           `json:"expiryDate,omitempty"`
	ParentIdTag string              `json:"parentIdTag,omitempty"`
	Status      AuthorizationStatus `json:"status"`
}

// BootNotificationRequest 充电桩启动注册
type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty" validate:"max=25"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty" validate:"max=25"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty" validate:"max=50"`
	Iccid                   string `json:"iccid,omitempty" validate:"max=20"`
	Imsi                    string `json:"imsi,omitempty" validate:"max=20"`
	MeterType               string `json:"meterType,omitempty" validate:"max=25"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty" validate:"max=25"`
}

type BootNotificationConfirmation struct {
	CurrentTime *DateTime          `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
}

type HeartbeatRequest struct{}

type HeartbeatConfirmation struct {
	CurrentTime *DateTime `json:"currentTime"`
}

// StatusNotificationRequest 连接器状态上报，connectorId 0 表示整桩
type StatusNotificationRequest struct {
	ConnectorId     *int      `json:"connectorId" validate:"required,gte=0"`
	ErrorCode       string    `json:"errorCode" validate:"required,oneof=ConnectorLockFailure EVCommunicationError GroundFailure HighTemperature InternalError LocalListConflict NoError OtherError OverCurrentFailure PowerMeterFailure PowerSwitchFailure ReaderFailure ResetFailure UnderVoltage OverVoltage WeakSignal"`
	Info            string    `json:"info,omitempty" validate:"max=50"`
	Status          string    `json:"status" validate:"required,oneof=Available Preparing Charging SuspendedEVSE SuspendedEV Finishing Reserved Unavailable Faulted"`
	Timestamp       *DateTime `json:"timestamp,omitempty"`
	VendorId        string    `json:"vendorId,omitempty" validate:"max=255"`
	VendorErrorCode string    `json:"vendorErrorCode,omitempty" validate:"max=50"`
}

type StatusNotificationConfirmation struct{}

type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type AuthorizeConfirmation struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorId   *int      `json:"connectorId" validate:"required,gt=0"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	MeterStart    *int      `json:"meterStart" validate:"required"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     *DateTime `json:"timestamp,omitempty"`
}

type StartTransactionConfirmation struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int64     `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag         string    `json:"idTag,omitempty" validate:"max=20"`
	MeterStop     *int      `json:"meterStop" validate:"required"`
	Timestamp     *DateTime `json:"timestamp,omitempty"`
	TransactionId *int64    `json:"transactionId" validate:"required"`
	Reason        string    `json:"reason,omitempty" validate:"omitempty,oneof=EmergencyStop EVDisconnected HardReset Local Other PowerLoss Reboot Remote SoftReset UnlockCommand DeAuthorized"`
}

type StopTransactionConfirmation struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}
