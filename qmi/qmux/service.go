package qmux

import (
	"fmt"
	"strconv"
	"strings"
)

// Service is a QMI service number.
type Service uint8

// QMI services.
const (
	ServiceCTL   Service = 0
	ServiceWDS   Service = 1
	ServiceDMS   Service = 2
	ServiceNAS   Service = 3
	ServiceQOS   Service = 4
	ServiceWMS   Service = 5
	ServicePDS   Service = 6
	ServiceAUTH  Service = 7
	ServiceAT    Service = 8
	ServiceVOICE Service = 9
	ServiceCAT2  Service = 10
	ServiceUIM   Service = 11
	ServicePBM   Service = 12
	ServiceLOC   Service = 16
	ServiceSAR   Service = 17
	ServiceIMS   Service = 18
	ServiceWDA   Service = 26
	ServicePDC   Service = 36
	ServiceDSD   Service = 42
	ServiceCAT   Service = 224
	ServiceRMS   Service = 225
	ServiceOMA   Service = 226
)

var serviceNames = map[Service]string{
	ServiceCTL:   "CTL",
	ServiceWDS:   "WDS",
	ServiceDMS:   "DMS",
	ServiceNAS:   "NAS",
	ServiceQOS:   "QOS",
	ServiceWMS:   "WMS",
	ServicePDS:   "PDS",
	ServiceAUTH:  "AUTH",
	ServiceAT:    "AT",
	ServiceVOICE: "VOICE",
	ServiceCAT2:  "CAT2",
	ServiceUIM:   "UIM",
	ServicePBM:   "PBM",
	ServiceLOC:   "LOC",
	ServiceSAR:   "SAR",
	ServiceIMS:   "IMS",
	ServiceWDA:   "WDA",
	ServicePDC:   "PDC",
	ServiceDSD:   "DSD",
	ServiceCAT:   "CAT",
	ServiceRMS:   "RMS",
	ServiceOMA:   "OMA",
}

// String returns the service mnemonic.
func (s Service) String() string {
	if name, ok := serviceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Service(0x%02X)", uint8(s))
}

// ParseService accepts a mnemonic ("wds", case-insensitive) or a number.
func ParseService(s string) (Service, error) {
	for svc, name := range serviceNames {
		if strings.EqualFold(name, s) {
			return svc, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown service %q", s)
	}
	return Service(n), nil
}
