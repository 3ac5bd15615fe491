package activities

// Registry is the registration half of a Temporal worker. Test activity
// environments satisfy it too.
type Registry interface {
	RegisterActivity(a interface{})
}

// Register adds each activity method by itself. Registering the struct
// would also pick up helpers such as Backend.
func Register(r Registry, a *Activities) {
	r.RegisterActivity(a.ListStaleDocumentsActivity)
	r.RegisterActivity(a.ReembedDocumentActivity)
	r.RegisterActivity(a.LogEmbedCallActivity)
	r.RegisterActivity(a.WriteRunManifestActivity)
}
