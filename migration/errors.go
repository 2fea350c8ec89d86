package migration

import "github.com/katamaran-project/migrated/migerr"

func invalidArgument(reason string) error {
	return migerr.New(migerr.InvalidArgument, reason)
}

func operationInvalid(reason string) error {
	return migerr.New(migerr.OperationInvalid, reason)
}

func argumentUnsupported(reason string) error {
	return migerr.New(migerr.ArgumentUnsupported, reason)
}
