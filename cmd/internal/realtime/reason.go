package realtime

// ReasonCode is the transport-level outcome carried by every send ack.
type ReasonCode uint8

const (
	ReasonUnknown                ReasonCode = 0
	ReasonSuccess                ReasonCode = 1
	ReasonAuthFail               ReasonCode = 2
	ReasonSubscriberNotExist     ReasonCode = 3
	ReasonInBlacklist            ReasonCode = 4
	ReasonChannelNotExist        ReasonCode = 5
	ReasonUserNotOnNode          ReasonCode = 6
	ReasonSenderOffline          ReasonCode = 7
	ReasonMsgKeyError            ReasonCode = 8
	ReasonPayloadDecodeError     ReasonCode = 9
	ReasonForwardSendPacketError ReasonCode = 10
	ReasonNotAllowSend           ReasonCode = 11
	ReasonConnectKick            ReasonCode = 12
	ReasonNotInWhitelist         ReasonCode = 13
	ReasonQueryTokenError        ReasonCode = 14
	ReasonSystemError            ReasonCode = 15
	ReasonChannelIDError         ReasonCode = 16
	ReasonNodeNotMatch           ReasonCode = 18
	ReasonBan                    ReasonCode = 19
	ReasonRateLimit              ReasonCode = 22
)

// Category is a stable, translation-free error class the UI can branch on.
type Category string

const (
	CategorySuccess    Category = "success"
	CategoryAuth       Category = "auth"
	CategoryPermission Category = "permission"
	CategoryNotFound   Category = "not_found"
	CategoryInvalid    Category = "invalid"
	CategoryConnection Category = "connection"
	CategoryRateLimit  Category = "rate_limit"
	CategorySystem     Category = "system"
)

// Classification is the result of Classify. Key is a stable identifier the UI maps to display text.
type Classification struct {
	Category  Category
	Retryable bool
	Key       string
}

var reasonTable = map[ReasonCode]Classification{
	ReasonSuccess:                {CategorySuccess, false, "success"},
	ReasonUnknown:                {CategorySystem, true, "unknown"},
	ReasonAuthFail:               {CategoryAuth, false, "auth_fail"},
	ReasonSubscriberNotExist:     {CategoryPermission, false, "subscriber_not_exist"},
	ReasonInBlacklist:            {CategoryPermission, false, "in_blacklist"},
	ReasonChannelNotExist:        {CategoryNotFound, false, "channel_not_exist"},
	ReasonUserNotOnNode:          {CategorySystem, true, "user_not_on_node"},
	ReasonSenderOffline:          {CategoryConnection, true, "sender_offline"},
	ReasonMsgKeyError:            {CategoryInvalid, false, "msg_key_error"},
	ReasonPayloadDecodeError:     {CategoryInvalid, false, "payload_decode_error"},
	ReasonForwardSendPacketError: {CategorySystem, true, "forward_send_packet_error"},
	ReasonNotAllowSend:           {CategoryPermission, false, "not_allow_send"},
	ReasonConnectKick:            {CategoryAuth, false, "connect_kick"},
	ReasonNotInWhitelist:         {CategoryPermission, false, "not_in_whitelist"},
	ReasonQueryTokenError:        {CategoryAuth, false, "query_token_error"},
	ReasonSystemError:            {CategorySystem, true, "system_error"},
	ReasonChannelIDError:         {CategoryInvalid, false, "channel_id_error"},
	ReasonNodeNotMatch:           {CategorySystem, true, "node_not_match"},
	ReasonBan:                    {CategoryPermission, false, "ban"},
	ReasonRateLimit:              {CategoryRateLimit, true, "rate_limit"},
}

// Classify maps a reason code to its category and retryability.
// Codes outside the table are treated as retryable system errors.
func Classify(code ReasonCode) Classification {
	if c, ok := reasonTable[code]; ok {
		return c
	}
	return Classification{Category: CategorySystem, Retryable: true, Key: "unrecognized"}
}

// KnownReasonCodes returns every code with a dedicated classification.
func KnownReasonCodes() []ReasonCode {
	out := make([]ReasonCode, 0, len(reasonTable))
	for c := range reasonTable {
		out = append(out, c)
	}
	return out
}

func (c ReasonCode) String() string { return Classify(c).Key }
