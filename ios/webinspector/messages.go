package webinspector

const serviceName = "com.apple.webinspector"

// SafariBundleID is the application the automation driver attaches to.
const SafariBundleID = "com.apple.mobilesafari"

// Outbound selectors.
const (
	selectorReportIdentifier         = "_rpc_reportIdentifier:"
	selectorForwardAutomationSession = "_rpc_forwardAutomationSessionRequest:"
	selectorForwardSocketSetup       = "_rpc_forwardSocketSetup:"
	selectorForwardSocketData        = "_rpc_forwardSocketData:"
)

// Inbound selectors.
const (
	selectorReportCurrentState      = "_rpc_reportCurrentState:"
	selectorReportConnectedAppList  = "_rpc_reportConnectedApplicationList:"
	selectorApplicationConnected    = "_rpc_applicationConnected:"
	selectorApplicationUpdated      = "_rpc_applicationUpdated:"
	selectorApplicationDisconnected = "_rpc_applicationDisconnected:"
	selectorApplicationSentListing  = "_rpc_applicationSentListing:"
	selectorApplicationSentData     = "_rpc_applicationSentData:"
)

// Keys of the WebKit remote inspector wire protocol.
const (
	wirConnectionIdentifierKey   = "WIRConnectionIdentifierKey"
	wirApplicationIdentifierKey  = "WIRApplicationIdentifierKey"
	wirApplicationBundleKey      = "WIRApplicationBundleIdentifierKey"
	wirApplicationDictionaryKey  = "WIRApplicationDictionaryKey"
	wirIsApplicationReadyKey     = "WIRIsApplicationReadyKey"
	wirAutomationAvailabilityKey = "WIRAutomationAvailabilityKey"
	wirListingKey                = "WIRListingKey"
	wirTypeKey                   = "WIRTypeKey"
	wirPageIdentifierKey         = "WIRPageIdentifierKey"
	wirSessionIdentifierKey      = "WIRSessionIdentifierKey"
	wirSessionCapabilitiesKey    = "WIRSessionCapabilitiesKey"
	wirSocketDataKey             = "WIRSocketDataKey"
	wirSenderKey                 = "WIRSenderKey"
	wirDestinationKey            = "WIRDestinationKey"
	wirMessageDataKey            = "WIRMessageDataKey"
	wirAutomaticallyPauseKey     = "WIRAutomaticallyPause"
)

const (
	wirAutomationAvailable = "WIRAutomationAvailabilityAvailable"
	wirTypeAutomation      = "WIRTypeAutomation"
)

// Capabilities sent with the automation session request.
const (
	capabilityAllowInsecureMediaCapture     = "org.webkit.webdriver.webrtc.allow-insecure-media-capture"
	capabilitySuppressIceCandidateFiltering = "org.webkit.webdriver.webrtc.suppress-ice-candidate-filtering"
)

// wireMessage is the envelope every inspector message travels in.
type wireMessage struct {
	Selector string                 `plist:"__selector"`
	Argument map[string]interface{} `plist:"__argument"`
}
