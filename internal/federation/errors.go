package federation

import "errors"

var ErrProviderMisconfigured = errors.New("provider is misconfigured")
