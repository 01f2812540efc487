// Package domain models weather bulletins, institutional events and the users
// who publish and read them.
//
// # Content
//
// Two kinds of content are distributed:
//
//	Bulletin  a weather alert with a severity, an expiry ("end") date, optional
//	          safety tips and an optional target institution.
//	Event     an informational announcement with optional links. Events never
//	          expire and are visible to everyone.
//
// A [Post] is the tagged union of the two, used wherever both kinds are handled
// together (the "new content" list, push notifications).
//
// # Severity
//
// Severities are stored with the wire values used by the mobile clients:
//
//	urgent   highest level
//	eleve    elevated ("elevated" is accepted on input and normalized)
//	normal   informational
//
// # Audience
//
// A bulletin with an empty TargetInstitutionID is general and visible to all.
// A targeted bulletin is listed only for the target institution and for
// administrators, and is reported as new content only to the target itself
// (the viewer whose UID equals the target). Anonymous viewers never see
// targeted bulletins.
//
// # Expiry
//
// EndDate is an ISO-8601 date ("2026-10-19") or date-time. Date-only values are
// midnight UTC. A bulletin is expired once its end date is at or before now;
// expired bulletins are never reported as new and are removed by the sweep.
// Missing or unparseable end dates never expire.
//
// # Push topics
//
// Notifications go to the general topic [GeneralTopic] unless the post is a
// targeted bulletin, in which case they go to [InstitutionTopic] of the target.
package domain
