package coordinator

import "time"

// Frame is the wire envelope for every WS message in both directions.
// Every frame carries a Type tag; decode once, dispatch on the tag.
// Unknown tags are logged and dropped.
type Frame struct {
	Type string `json:"type"`

	// RequestID correlates an RPC command with its response.
	RequestID string `json:"request_id,omitempty"`
	// CommandType echoes the RPC kind on a response frame.
	CommandType string `json:"command_type,omitempty"`
	// Success is set on RPC-response frames.
	Success bool `json:"success,omitempty"`
	// Data carries the RPC-response payload, shape depends on CommandType.
	Data map[string]interface{} `json:"data,omitempty"`

	Timestamp time.Time `json:"ts,omitempty"`
	Message   string    `json:"message,omitempty"`

	// Registration (c_client_register)
	Registration *RegistrationPayload `json:"registration,omitempty"`

	// Hierarchy placement RPCs and peer-join advisories.
	Hierarchy *HierarchyPayload `json:"hierarchy,omitempty"`

	// Cookie / session push.
	Cookie *CookiePayload `json:"cookie,omitempty"`

	// Peer login / logout advisories.
	Peer *PeerPayload `json:"peer,omitempty"`

	// Logout.
	Logout *LogoutPayload `json:"logout,omitempty"`

	// Activity batch ingress/fan-out/ack.
	Batch *BatchPayload `json:"batch,omitempty"`

	// Cluster attestation.
	Attestation *AttestationPayload `json:"attestation,omitempty"`

	// Pairing code.
	Pairing *PairingPayload `json:"pairing,omitempty"`
}

// Inbound frame type tags (agent -> coordinator).
const (
	TypeClientRegister           = "c_client_register"
	TypeCookieUpdateResponse     = "cookie_update_response"
	TypeUserLoginNotification    = "user_login_notification"
	TypeUserLogoutNotification   = "user_logout_notification"
	TypeLogoutFeedback           = "logout_feedback"
	TypeSessionFeedback          = "session_feedback"
	TypeUserActivitiesBatch      = "user_activities_batch"
	TypeUserActivitiesBatchAck   = "user_activities_batch_feedback"
	TypeClusterVerificationQuery = "cluster_verification_query"
	TypeClusterVerificationReq   = "cluster_verification_request"
	TypeClusterVerificationResp  = "cluster_verification_response"
	TypeRequestSecurityCode      = "request_security_code"
	TypeRPCResponse              = "rpc_response"
	// TypeAssignConfirmed is the agent's own notification of which
	// hierarchy IDs it believes it occupies. It can arrive concurrently
	// with an in-flight Hierarchy.Place call for the same session and may
	// disagree with the coordinator's placement record; Reconcile resolves
	// the disagreement last-writer-wins.
	TypeAssignConfirmed = "assign_confirmed"
)

// Outbound frame type tags (coordinator -> agent).
const (
	TypeRegistrationSuccess  = "registration_success"
	TypeRegistrationRejected = "registration_rejected"
	TypeCookieUpdate         = "cookie_update"
	TypeUserLogin            = "user_login"
	TypeUserLogout           = "user_logout"
	TypeSessionSync          = "session_sync"
	TypeAutoLogin            = "auto_login"
	TypePeerLogin            = "peer_login"
	TypeSecurityCodeResponse = "security_code_response"

	// Hierarchy placement RPC requests, issued coordinator -> agent.
	TypeNewDomainNode    = "new_domain_node"
	TypeNewClusterNode   = "new_cluster_node"
	TypeNewChannelNode   = "new_channel_node"
	TypeAssignToDomain   = "assign_to_domain"
	TypeAssignToCluster  = "assign_to_cluster"
	TypeAssignToChannel  = "assign_to_channel"
	TypeCountPeersAmount = "count_peers_amount"

	// Peer-join advisories fanned out after successful placement.
	TypeAddNewDomainToPeers  = "add_new_domain_to_peers"
	TypeAddNewClusterToPeers = "add_new_cluster_to_peers"
	TypeAddNewChannelToPeers = "add_new_channel_to_peers"
	TypeAddNewNodeToPeers    = "add_new_node_to_peers"
)

// RegistrationPayload is the body of a c_client_register frame.
type RegistrationPayload struct {
	NodeID          string `json:"node_id"`
	ClientInstallID string `json:"client_install_id"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	DomainID        string `json:"domain_id,omitempty"`
	ClusterID       string `json:"cluster_id,omitempty"`
	ChannelID       string `json:"channel_id,omitempty"`
}

// HierarchyPayload carries placement RPC arguments/results and peer-join
// advisories.
type HierarchyPayload struct {
	DomainID  string `json:"domain_id,omitempty"`
	ClusterID string `json:"cluster_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// CookiePayload is the cookie-delivery frame.
type CookiePayload struct {
	Cookie         string `json:"cookie"`
	SiteURL        string `json:"site_url"`
	SiteName       string `json:"site_name"`
	PartitionKey   string `json:"partition_key"`
	Advisory       string `json:"advisory,omitempty"`
	AttestationMsg string `json:"attestation,omitempty"`
}

// PeerPayload carries peer_login advisory details.
type PeerPayload struct {
	UserID          string `json:"user_id"`
	ClientInstallID string `json:"client_install_id"`
}

// LogoutPayload carries the upstream logout URL and the targeted client.
type LogoutPayload struct {
	ClientInstallID string `json:"client_install_id,omitempty"`
	LogoutURL       string `json:"logout_url,omitempty"`
}

// BatchPayload is the activity-batch ingress/fan-out/ack body.
type BatchPayload struct {
	BatchID  string                   `json:"batch_id,omitempty"`
	UserID   string                   `json:"user_id,omitempty"`
	SyncData []map[string]interface{} `json:"sync_data,omitempty"`
	Filtered bool                     `json:"filtered,omitempty"`
}

// AttestationPayload carries the cluster-verification query/request/
// response bodies.
type AttestationPayload struct {
	BatchID     string                 `json:"batch_id,omitempty"`
	MinRecords  int                    `json:"min_records,omitempty"`
	FirstRecord map[string]interface{} `json:"first_record,omitempty"`
	HasBatch    bool                   `json:"has_batch,omitempty"`
}

// PairingPayload is the request_security_code / security_code_response
// body.
type PairingPayload struct {
	Code string `json:"code"`
}
