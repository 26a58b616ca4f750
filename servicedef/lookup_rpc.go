package servicedef

// The broker service port serves a single gRPC method that resolves a topic to LookupData. The
// request is a wrapperspb.StringValue holding the topic name and the reply is a structpb.Struct
// with the same fields as LookupData's JSON form.
const (
	LookupServiceName     = "kop.harness.v1.LookupService"
	LookupTopicMethod     = "LookupTopic"
	LookupTopicFullMethod = "/" + LookupServiceName + "/" + LookupTopicMethod

	// LookupURLScheme marks a lookup URL that should be resolved over the broker service port
	// rather than the web service.
	LookupURLScheme = "broker"
)
